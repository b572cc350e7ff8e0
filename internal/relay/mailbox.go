package relay

import (
	"encoding/json"
	"log"
	"sync"

	"tandem/api/internal/metrics"
)

// Mailbox is the bounded outbound queue of one connected client.
type Mailbox struct {
	DocumentID string
	ClientID   string

	ch     chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newMailbox(documentID, clientID string, size int) *Mailbox {
	return &Mailbox{
		DocumentID: documentID,
		ClientID:   clientID,
		ch:         make(chan []byte, size),
		done:       make(chan struct{}),
	}
}

func (m *Mailbox) C() <-chan []byte {
	return m.ch
}

// Done is closed when the mailbox was dropped or replaced.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Send enqueues msg without blocking. It reports false when the mailbox is full or closed.
func (m *Mailbox) Send(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Mailboxes is the in-process transport backing realtime connections.
type Mailboxes struct {
	mu    sync.RWMutex
	size  int
	boxes map[string]map[string]*Mailbox
}

func NewMailboxes(size int) *Mailboxes {
	if size <= 0 {
		size = 256
	}
	return &Mailboxes{
		size:  size,
		boxes: make(map[string]map[string]*Mailbox),
	}
}

// Open creates the mailbox for a client. A previous mailbox for the same
// client and document is closed, so a rejoin replaces the old connection.
func (m *Mailboxes) Open(documentID, clientID string) *Mailbox {
	box := newMailbox(documentID, clientID, m.size)

	m.mu.Lock()
	defer m.mu.Unlock()
	byClient, ok := m.boxes[documentID]
	if !ok {
		byClient = make(map[string]*Mailbox)
		m.boxes[documentID] = byClient
	}
	if previous, ok := byClient[clientID]; ok {
		previous.Close()
	}
	byClient[clientID] = box
	return box
}

// Remove closes box and forgets it. It reports whether box was still the
// current mailbox of its client, i.e. whether no rejoin replaced it.
func (m *Mailboxes) Remove(box *Mailbox) bool {
	box.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	byClient, ok := m.boxes[box.DocumentID]
	if !ok {
		return false
	}
	current := byClient[box.ClientID] == box
	if current {
		delete(byClient, box.ClientID)
	}
	if len(byClient) == 0 {
		delete(m.boxes, box.DocumentID)
	}
	return current
}

func (m *Mailboxes) Name() string {
	return "websocket"
}

// Deliver encodes the payload once and enqueues it for each recipient. A
// recipient whose mailbox is full is dropped; its connection closes and the
// client has to rejoin to resync.
func (m *Mailboxes) Deliver(env Envelope) {
	msg, err := json.Marshal(env.Payload)
	if err != nil {
		log.Printf("relay: encode %s for %s: %v", env.Payload.Type, env.DocumentID, err)
		return
	}

	m.mu.RLock()
	targets := make([]*Mailbox, 0, len(env.Recipients))
	byClient := m.boxes[env.DocumentID]
	for _, clientID := range env.Recipients {
		if box, ok := byClient[clientID]; ok {
			targets = append(targets, box)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, box := range targets {
		if box.Send(msg) {
			delivered++
			continue
		}
		log.Printf("relay: mailbox full for client %s on %s, dropping connection", box.ClientID, box.DocumentID)
		metrics.EnvelopeDropped(m.Name())
		box.Close()
	}
	metrics.EnvelopeDelivered(m.Name(), delivered)
}
