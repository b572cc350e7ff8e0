package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tandem/api/internal/collab"
	"tandem/api/internal/pmstep"
	"tandem/api/internal/producer"
	"tandem/api/internal/steps"
)

type serverMessage struct {
	Type           string            `json:"type"`
	DocumentID     string            `json:"documentId"`
	ClientID       string            `json:"clientId"`
	Version        int               `json:"version"`
	Clients        []string          `json:"clients"`
	Steps          []json.RawMessage `json:"steps"`
	CurrentVersion int               `json:"currentVersion"`
	MissingSteps   []json.RawMessage `json:"missingSteps"`
	Code           string            `json:"code"`
	Message        string            `json:"message"`
	GenerationID   string            `json:"generationId"`
}

func dialSync(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %v: %v", msg["type"], err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectType(t *testing.T, conn *websocket.Conn, want string) serverMessage {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Type != want {
		t.Fatalf("message type = %q (%+v), want %q", msg.Type, msg, want)
	}
	return msg
}

func joinOverSync(t *testing.T, conn *websocket.Conn, documentID, clientID string) serverMessage {
	t.Helper()
	sendMessage(t, conn, map[string]any{
		"type":         "join",
		"documentId":   documentID,
		"clientId":     clientID,
		"seedDocument": paragraphSeed,
	})
	return expectType(t, conn, "init")
}

func TestSyncAcceptsRelaysAndRejects(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	alice := dialSync(t, srv)
	bob := dialSync(t, srv)

	state := joinOverSync(t, alice, "doc-1", "alice")
	if state.Version != 0 || state.DocumentID != "doc-1" || len(state.Clients) != 1 {
		t.Fatalf("alice init = %+v", state)
	}
	state = joinOverSync(t, bob, "doc-1", "bob")
	if len(state.Clients) != 2 {
		t.Fatalf("bob init clients = %v", state.Clients)
	}

	sendMessage(t, alice, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "hi")}})
	accepted := expectType(t, alice, "stepsAccepted")
	if accepted.Version != 1 {
		t.Fatalf("accepted version = %d, want 1", accepted.Version)
	}
	relayed := expectType(t, bob, "steps")
	if relayed.ClientID != "alice" || relayed.Version != 1 || len(relayed.Steps) != 1 {
		t.Fatalf("relayed = %+v", relayed)
	}

	sendMessage(t, bob, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "yo")}})
	rejected := expectType(t, bob, "stepsRejected")
	if rejected.CurrentVersion != 1 || len(rejected.MissingSteps) != 1 {
		t.Fatalf("rejected = %+v", rejected)
	}

	desc, err := env.registry.Describe("doc-1")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if desc.Version != 1 || desc.ClientCount != 2 {
		t.Fatalf("description = %+v", desc)
	}
}

func TestSyncProtocolErrors(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	conn := dialSync(t, srv)

	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "x")}})
	if msg := expectType(t, conn, "error"); msg.Code != "PROTOCOL_VIOLATION" {
		t.Fatalf("submit before join = %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := expectType(t, conn, "error"); msg.Code != "INVALID_MESSAGE" {
		t.Fatalf("malformed message = %+v", msg)
	}

	sendMessage(t, conn, map[string]any{"type": "shout"})
	if msg := expectType(t, conn, "error"); msg.Code != "UNKNOWN_MESSAGE" {
		t.Fatalf("unknown message = %+v", msg)
	}

	sendMessage(t, conn, map[string]any{"type": "join", "documentId": "doc-1", "clientId": collab.GenerationClientID("x")})
	if msg := expectType(t, conn, "error"); msg.Code != "VALIDATION_ERROR" {
		t.Fatalf("reserved client id = %+v", msg)
	}

	joinOverSync(t, conn, "doc-1", "carol")
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{}})
	if msg := expectType(t, conn, "error"); msg.Code != "PROTOCOL_VIOLATION" {
		t.Fatalf("empty batch = %+v", msg)
	}
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 7, "steps": []steps.Step{pmstep.Insert(1, "x")}})
	if msg := expectType(t, conn, "error"); msg.Code != "PROTOCOL_VIOLATION" {
		t.Fatalf("base ahead = %+v", msg)
	}
}

func TestSyncRateLimitLeavesLedgerUntouched(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{}, func(d *Dependencies) {
		d.SubmitsPerSecond = 0.001
		d.SubmitBurst = 1
	})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	conn := dialSync(t, srv)
	joinOverSync(t, conn, "doc-1", "dave")

	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "a")}})
	expectType(t, conn, "stepsAccepted")
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 1, "steps": []steps.Step{pmstep.Insert(2, "b")}})
	if msg := expectType(t, conn, "error"); msg.Code != "RATE_LIMITED" {
		t.Fatalf("second submit = %+v", msg)
	}

	desc, err := env.registry.Describe("doc-1")
	if err != nil || desc.Version != 1 {
		t.Fatalf("Describe() = %+v, %v", desc, err)
	}
}

func TestSyncRelaysGenerationLifecycle(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{Chunks: []string{"generated"}})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	conn := dialSync(t, srv)
	joinOverSync(t, conn, "doc-1", "erin")

	gen, err := env.service.StartGeneration(context.Background(), "doc-1", StartGenerationInput{Prompt: "write", RequesterID: "erin"})
	if err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}

	started := expectType(t, conn, "generationStarted")
	if started.GenerationID != gen.ID {
		t.Fatalf("started = %+v", started)
	}
	applied := expectType(t, conn, "steps")
	if applied.ClientID != collab.GenerationClientID(gen.ID) || applied.Version != 1 {
		t.Fatalf("generation steps = %+v", applied)
	}
	// Every accepted generation batch is followed by its progress event.
	expectType(t, conn, "generationStepApplied")
	if done := expectType(t, conn, "generationComplete"); done.GenerationID != gen.ID {
		t.Fatalf("complete = %+v", done)
	}
}

func TestSyncRejoinReplacesOldConnection(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	first := dialSync(t, srv)
	joinOverSync(t, first, "doc-1", "frank")
	second := dialSync(t, srv)
	joinOverSync(t, second, "doc-1", "frank")

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("replaced connection read error = %v, want close 1013", err)
	}

	sendMessage(t, second, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "z")}})
	expectType(t, second, "stepsAccepted")

	desc, err := env.registry.Describe("doc-1")
	if err != nil || desc.ClientCount != 1 {
		t.Fatalf("Describe() = %+v, %v", desc, err)
	}
}

func TestSyncLeaveDetachesClient(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	watcher := dialSync(t, srv)
	joinOverSync(t, watcher, "doc-1", "grace")
	conn := dialSync(t, srv)
	joinOverSync(t, conn, "doc-1", "heidi")

	sendMessage(t, conn, map[string]any{"type": "leave"})
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "x")}})
	if msg := expectType(t, conn, "error"); msg.Code != "PROTOCOL_VIOLATION" {
		t.Fatalf("submit after leave = %+v", msg)
	}

	desc, err := env.registry.Describe("doc-1")
	if err != nil || desc.ClientCount != 1 {
		t.Fatalf("Describe() = %+v, %v", desc, err)
	}
}

func TestSyncOutcomesAreOrderedWithRelayedSteps(t *testing.T) {
	env := newTestEnv(t, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	conn := dialSync(t, srv)
	joinOverSync(t, conn, "doc-1", "judy")
	env.join(t, "doc-1", "mallory")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			desc, err := env.registry.Describe("doc-1")
			if err != nil {
				return
			}
			_, _ = env.service.Submit(context.Background(), "doc-1", "mallory", desc.Version, []steps.Step{pmstep.Insert(1, "m")}, nil)
			time.Sleep(time.Millisecond)
		}
	}()

	// Every version reaches judy exactly once, as relayed steps or as her own ack.
	seen, acked := 0, 0
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": seen, "steps": []steps.Step{pmstep.Insert(1, "j")}})
	for acked < 10 {
		msg := readMessage(t, conn)
		switch msg.Type {
		case "steps":
			if msg.Version != seen+1 {
				close(stop)
				t.Fatalf("relayed version %d after %d", msg.Version, seen)
			}
			seen = msg.Version
		case "stepsAccepted":
			if msg.Version != seen+1 {
				close(stop)
				t.Fatalf("ack for version %d after %d", msg.Version, seen)
			}
			seen = msg.Version
			acked++
			sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": seen, "steps": []steps.Step{pmstep.Insert(1, "j")}})
		case "stepsRejected":
			if msg.CurrentVersion != seen {
				close(stop)
				t.Fatalf("rejection at version %d after %d", msg.CurrentVersion, seen)
			}
			sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": seen, "steps": []steps.Step{pmstep.Insert(1, "j")}})
		default:
			close(stop)
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	close(stop)
	<-done
}

func TestSyncRejoinSameIdentityKeepsSession(t *testing.T) {
	env := newTestEnvWithGrace(t, 0, producer.Scripted{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	conn := dialSync(t, srv)
	joinOverSync(t, conn, "doc-1", "ivan")

	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 0, "steps": []steps.Step{pmstep.Insert(1, "a")}})
	expectType(t, conn, "stepsAccepted")

	state := joinOverSync(t, conn, "doc-1", "ivan")
	if state.Version != 1 {
		t.Fatalf("rejoin version = %d, want 1", state.Version)
	}
	sendMessage(t, conn, map[string]any{"type": "submitSteps", "baseVersion": 1, "steps": []steps.Step{pmstep.Insert(2, "b")}})
	if accepted := expectType(t, conn, "stepsAccepted"); accepted.Version != 2 {
		t.Fatalf("accepted version = %d, want 2", accepted.Version)
	}
}
