// Package collab owns the in-memory document sessions and the step acceptance
// gate every edit, human or automated, passes through.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tandem/api/internal/metrics"
	"tandem/api/internal/relay"
	"tandem/api/internal/steps"
)

// Broadcaster is the relay as seen by the registry.
type Broadcaster interface {
	Relay(documentID, excludeClientID string, roster []string, payload relay.Payload) relay.Envelope
	Forget(documentID string)
}

// Seed is an externally supplied initial document.
type Seed struct {
	Document json.RawMessage `json:"document"`
	Version  int             `json:"version"`
}

// JoinState is everything a client needs to start editing.
type JoinState struct {
	DocumentID      string          `json:"documentId"`
	ClientID        string          `json:"clientId"`
	Version         int             `json:"version"`
	SnapshotVersion int             `json:"snapshotVersion"`
	Document        json.RawMessage `json:"document,omitempty"`
	Steps           []steps.Step    `json:"steps"`
	Clients         []string        `json:"clients"`
}

// Description is the diagnostic view of a session.
type Description struct {
	DocumentID       string     `json:"documentId"`
	Version          int        `json:"version"`
	SnapshotVersion  int        `json:"snapshotVersion"`
	StepCount        int        `json:"stepCount"`
	ClientCount      int        `json:"clientCount"`
	ActiveGeneration string     `json:"activeGeneration,omitempty"`
	DocumentBytes    int        `json:"documentBytes"`
	CreatedAt        time.Time  `json:"createdAt"`
	IdleSince        *time.Time `json:"idleSince,omitempty"`
}

// Snapshot is a consistent copy of a session's document state.
type Snapshot struct {
	DocumentID      string          `json:"documentId"`
	SnapshotVersion int             `json:"snapshotVersion"`
	Version         int             `json:"version"`
	Document        json.RawMessage `json:"document,omitempty"`
	Steps           []steps.Step    `json:"steps"`
}

type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*docSession
	relay     Broadcaster
	idleGrace time.Duration
	now       func() time.Time
}

// NewRegistry builds an empty registry. Sessions left without clients or a
// running generation are evicted after idleGrace; zero evicts on the last leave.
func NewRegistry(broadcaster Broadcaster, idleGrace time.Duration) *Registry {
	return &Registry{
		sessions:  make(map[string]*docSession),
		relay:     broadcaster,
		idleGrace: idleGrace,
		now:       time.Now,
	}
}

// Join attaches clientID to the document, creating the session on first join.
// Rejoining detaches and reattaches the client. The seed only applies to a new session.
func (r *Registry) Join(documentID, clientID string, seed *Seed) (JoinState, error) {
	if strings.TrimSpace(documentID) == "" || strings.TrimSpace(clientID) == "" {
		return JoinState{}, fmt.Errorf("%w: documentId and clientId are required", ErrInvalidArgument)
	}
	if strings.HasPrefix(clientID, generationClientPrefix) {
		return JoinState{}, fmt.Errorf("%w: client id %q is reserved", ErrInvalidArgument, clientID)
	}
	if seed != nil && seed.Version < 0 {
		return JoinState{}, fmt.Errorf("%w: seed version must not be negative", ErrInvalidArgument)
	}

	for {
		session, created := r.acquire(documentID, seed)
		session.mu.Lock()
		if session.evicted {
			// Lost a race with eviction; the next acquire creates a fresh session.
			session.mu.Unlock()
			continue
		}
		_, rejoin := session.clients[clientID]
		session.clients[clientID] = r.now()
		session.idleSince = time.Time{}
		state := JoinState{
			DocumentID:      documentID,
			ClientID:        clientID,
			Version:         session.ledger.Version(),
			SnapshotVersion: session.ledger.SnapshotVersion(),
			Document:        session.document,
			Steps:           session.ledger.All(),
			Clients:         session.roster(),
		}
		session.mu.Unlock()

		switch {
		case created:
			log.Printf("collab: opened %s at version %d for client %s", documentID, state.Version, clientID)
		case rejoin:
			log.Printf("collab: client %s rejoined %s at version %d", clientID, documentID, state.Version)
		default:
			log.Printf("collab: client %s joined %s at version %d", clientID, documentID, state.Version)
		}
		return state, nil
	}
}

// Leave detaches clientID. Leaving a document the client never joined is a no-op.
func (r *Registry) Leave(documentID, clientID string) error {
	session := r.lookup(documentID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}

	session.mu.Lock()
	if session.evicted {
		session.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	delete(session.clients, clientID)
	idle := session.idle()
	if idle {
		session.idleSince = r.now()
	}
	session.mu.Unlock()

	log.Printf("collab: client %s left %s", clientID, documentID)
	if idle && r.idleGrace <= 0 {
		r.evictIfIdle(documentID)
	}
	return nil
}

func (r *Registry) DocumentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Describe(documentID string) (Description, error) {
	session := r.lookup(documentID)
	if session == nil {
		return Description{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evicted {
		return Description{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	return session.describe(), nil
}

// Documents describes every open session, ordered by document ID.
func (r *Registry) Documents() []Description {
	r.mu.RLock()
	sessions := make([]*docSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	items := make([]Description, 0, len(sessions))
	for _, session := range sessions {
		session.mu.Lock()
		if !session.evicted {
			items = append(items, session.describe())
		}
		session.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].DocumentID < items[j].DocumentID
	})
	return items
}

func (r *Registry) Snapshot(documentID string) (Snapshot, error) {
	session := r.lookup(documentID)
	if session == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evicted {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	return Snapshot{
		DocumentID:      documentID,
		SnapshotVersion: session.ledger.SnapshotVersion(),
		Version:         session.ledger.Version(),
		Document:        session.document,
		Steps:           session.ledger.All(),
	}, nil
}

// AttachGeneration registers a running generation on the document. It keeps the
// session alive and lets the generation's pseudo-client submit steps.
func (r *Registry) AttachGeneration(documentID, generationID string) error {
	session := r.lookup(documentID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evicted {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	if session.generation != "" {
		return fmt.Errorf("%w: %s is running %s", ErrGenerationActive, documentID, session.generation)
	}
	session.generation = generationID
	session.idleSince = time.Time{}
	return nil
}

func (r *Registry) DetachGeneration(documentID, generationID string) {
	session := r.lookup(documentID)
	if session == nil {
		return
	}
	session.mu.Lock()
	if session.evicted || session.generation != generationID {
		session.mu.Unlock()
		return
	}
	session.generation = ""
	idle := session.idle()
	if idle {
		session.idleSince = r.now()
	}
	session.mu.Unlock()

	if idle && r.idleGrace <= 0 {
		r.evictIfIdle(documentID)
	}
}

// Announce relays a payload to the document's clients from inside its
// serialization point, so it is ordered with respect to step broadcasts.
func (r *Registry) Announce(documentID, excludeClientID string, payload relay.Payload) error {
	session := r.lookup(documentID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evicted {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	r.relay.Relay(documentID, excludeClientID, session.roster(), payload)
	return nil
}

// Sweep evicts sessions idle for at least the grace period and returns how many went.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, session := range r.sessions {
		session.mu.Lock()
		if session.idle() && !session.idleSince.IsZero() && now.Sub(session.idleSince) >= r.idleGrace {
			r.evictLocked(id, session)
			evicted++
		}
		session.mu.Unlock()
	}
	if evicted > 0 {
		metrics.SetOpenSessions(len(r.sessions))
	}
	return evicted
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				log.Printf("collab: evicted %d idle sessions", n)
			}
		}
	}
}

func (r *Registry) lookup(documentID string) *docSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[documentID]
}

func (r *Registry) acquire(documentID string, seed *Seed) (*docSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[documentID]; ok {
		return session, false
	}
	session := newDocSession(documentID, seed, r.now())
	r.sessions[documentID] = session
	metrics.SetOpenSessions(len(r.sessions))
	return session, true
}

func (r *Registry) evictIfIdle(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[documentID]
	if !ok {
		return
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.idle() {
		r.evictLocked(documentID, session)
		metrics.SetOpenSessions(len(r.sessions))
	}
}

// evictLocked requires r.mu and session.mu.
func (r *Registry) evictLocked(documentID string, session *docSession) {
	session.evicted = true
	delete(r.sessions, documentID)
	r.relay.Forget(documentID)
	log.Printf("collab: evicted %s at version %d", documentID, session.ledger.Version())
}
