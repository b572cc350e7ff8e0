package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tandem/api/internal/collab"
	"tandem/api/internal/metrics"
	"tandem/api/internal/relay"
	"tandem/api/internal/steps"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageBytes = 4 << 20
	replyBuffer     = 32
)

// clientMessage is every message a client can send, discriminated by Type.
type clientMessage struct {
	Type         string          `json:"type"`
	DocumentID   string          `json:"documentId"`
	ClientID     string          `json:"clientId"`
	SeedDocument json.RawMessage `json:"seedDocument"`
	SeedVersion  int             `json:"seedVersion"`
	BaseVersion  int             `json:"baseVersion"`
	Steps        []steps.Step    `json:"steps"`
}

type initMessage struct {
	Type string `json:"type"`
	collab.JoinState
}

type acceptedMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

type rejectedMessage struct {
	Type           string       `json:"type"`
	CurrentVersion int          `json:"currentVersion"`
	MissingSteps   []steps.Step `json:"missingSteps"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// attachment hands the writer a new mailbox together with the message that
// has to precede everything read from it.
type attachment struct {
	box   *relay.Mailbox
	first []byte
}

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		log.Printf("sync: upgrade failed: %v", err)
		return
	}
	metrics.ClientConnected()
	defer metrics.ClientDisconnected()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &syncConn{
		service: s.service,
		conn:    conn,
		limiter: s.service.NewSubmitLimiter(),
		replies: make(chan []byte, replyBuffer),
		attach:  make(chan attachment),
	}
	c.serve(ctx, cancel)
}

type syncConn struct {
	service *Service
	conn    *websocket.Conn
	limiter *rate.Limiter
	replies chan []byte
	attach  chan attachment

	// box is owned by the read loop.
	box *relay.Mailbox
}

func (c *syncConn) serve(ctx context.Context, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(ctx)
		// Unblocks the read loop when the writer gave up first.
		_ = c.conn.Close()
		cancel()
	}()
	defer func() {
		c.detach(ctx)
		cancel()
		<-done
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("sync: read failed: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, "INVALID_MESSAGE", "message is not valid JSON")
			continue
		}
		switch msg.Type {
		case "join":
			c.join(ctx, msg)
		case "submitSteps":
			c.submit(ctx, msg)
		case "leave":
			c.detach(ctx)
		default:
			c.sendError(ctx, "UNKNOWN_MESSAGE", "unknown message type "+msg.Type)
		}
	}
}

func (c *syncConn) join(ctx context.Context, msg clientMessage) {
	if c.box != nil && c.box.DocumentID == strings.TrimSpace(msg.DocumentID) && c.box.ClientID == strings.TrimSpace(msg.ClientID) {
		// Rejoining under the same identity swaps the mailbox without leaving,
		// so an otherwise idle session is not evicted in between.
		c.release(ctx)
	} else {
		// A connection edits one document at a time; joining another leaves the first.
		c.detach(ctx)
	}

	state, box, err := c.service.Join(JoinInput{
		DocumentID:   msg.DocumentID,
		ClientID:     msg.ClientID,
		SeedDocument: msg.SeedDocument,
		SeedVersion:  msg.SeedVersion,
	})
	if err != nil {
		c.sendFailure(ctx, err)
		return
	}
	first, err := json.Marshal(initMessage{Type: "init", JoinState: state})
	if err != nil {
		c.service.Disconnect(box)
		c.sendFailure(ctx, err)
		return
	}
	select {
	case c.attach <- attachment{box: box, first: first}:
		c.box = box
	case <-ctx.Done():
		c.service.Disconnect(box)
	}
}

func (c *syncConn) submit(ctx context.Context, msg clientMessage) {
	if c.box == nil {
		c.sendError(ctx, "PROTOCOL_VIOLATION", "join a document before submitting steps")
		return
	}
	if !c.limiter.Allow() {
		c.sendError(ctx, "RATE_LIMITED", "too many step submissions")
		return
	}
	// The outcome goes through the mailbox from inside the gate, so it is
	// ordered with the steps relayed to this client.
	box := c.box
	notify := func(result collab.Result) {
		payload, err := json.Marshal(outcomeMessage(result))
		if err != nil {
			log.Printf("sync: encode outcome: %v", err)
			return
		}
		if box.Send(payload) {
			return
		}
		select {
		case <-box.Done():
		default:
			log.Printf("sync: mailbox full for client %s on %s, dropping connection", box.ClientID, box.DocumentID)
			metrics.EnvelopeDropped("websocket")
			box.Close()
		}
	}
	if _, err := c.service.Submit(ctx, box.DocumentID, box.ClientID, msg.BaseVersion, msg.Steps, notify); err != nil {
		c.sendFailure(ctx, err)
	}
}

func outcomeMessage(result collab.Result) any {
	if result.Accepted {
		return acceptedMessage{Type: "stepsAccepted", Version: result.Version}
	}
	missing := result.MissingSteps
	if missing == nil {
		missing = []steps.Step{}
	}
	return rejectedMessage{Type: "stepsRejected", CurrentVersion: result.Version, MissingSteps: missing}
}

// detach stops relaying to this connection and leaves the current document.
func (c *syncConn) detach(ctx context.Context) {
	if box := c.release(ctx); box != nil {
		c.service.Disconnect(box)
	}
}

// release stops the writer reading the current mailbox and returns it. The
// client stays joined.
func (c *syncConn) release(ctx context.Context) *relay.Mailbox {
	box := c.box
	if box == nil {
		return nil
	}
	c.box = nil
	select {
	case c.attach <- attachment{}:
	case <-ctx.Done():
	}
	return box
}

func (c *syncConn) sendFailure(ctx context.Context, err error) {
	_, code, message, _ := mapError(err)
	if code == "SERVER_ERROR" {
		log.Printf("sync: %v", err)
	}
	c.sendError(ctx, code, message)
}

func (c *syncConn) sendError(ctx context.Context, code, message string) {
	c.send(ctx, errorMessage{Type: "error", Code: code, Message: message})
}

func (c *syncConn) send(ctx context.Context, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		log.Printf("sync: encode reply: %v", err)
		return
	}
	select {
	case c.replies <- msg:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer of the connection. It ends when ctx is done,
// on a failed write, or when the current mailbox is dropped; the client then
// has to reconnect and rejoin to resync.
func (c *syncConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var box *relay.Mailbox
	for {
		var inbox <-chan []byte
		var dropped <-chan struct{}
		if box != nil {
			inbox = box.C()
			dropped = box.Done()
		}

		select {
		case <-ctx.Done():
			return
		case next := <-c.attach:
			box = next.box
			if next.first != nil && !c.write(next.first) {
				return
			}
		case msg := <-c.replies:
			if !c.write(msg) {
				return
			}
		case msg := <-inbox:
			if !c.write(msg) {
				return
			}
		case <-dropped:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *syncConn) write(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			log.Printf("sync: write failed: %v", err)
		}
		return false
	}
	return true
}
