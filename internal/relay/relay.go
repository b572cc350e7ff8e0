// Package relay decides which clients of a document receive accepted steps and
// generation lifecycle events, and hands them to the transports in order.
package relay

import (
	"sync"

	"tandem/api/internal/steps"
)

// Kind discriminates relayed payloads on the wire.
type Kind string

const (
	KindSteps                 Kind = "steps"
	KindGenerationStarted     Kind = "generationStarted"
	KindGenerationStepApplied Kind = "generationStepApplied"
	KindGenerationComplete    Kind = "generationComplete"
	KindGenerationCancelled   Kind = "generationCancelled"
	KindGenerationFailed      Kind = "generationFailed"
)

// Payload is either an accepted step batch or a generation lifecycle event.
type Payload struct {
	Type         Kind         `json:"type"`
	Steps        []steps.Step `json:"steps,omitempty"`
	ClientID     string       `json:"clientId,omitempty"`
	Version      int          `json:"version"`
	GenerationID string       `json:"generationId,omitempty"`
	RequesterID  string       `json:"requesterId,omitempty"`
	BatchCount   int          `json:"batchCount,omitempty"`
	StepCount    int          `json:"stepCount,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// StepsPayload builds the broadcast for an accepted batch.
func StepsPayload(clientID string, batch []steps.Step, version int) Payload {
	return Payload{
		Type:     KindSteps,
		Steps:    batch,
		ClientID: clientID,
		Version:  version,
	}
}

// Envelope is one relay decision: what goes to whom.
type Envelope struct {
	DocumentID string   `json:"documentId"`
	Sequence   uint64   `json:"sequence"`
	Recipients []string `json:"recipients"`
	Payload    Payload  `json:"payload"`
}

// Transport performs the actual fan-out. Deliver must not block on network I/O.
type Transport interface {
	Name() string
	Deliver(env Envelope)
}

type Relay struct {
	mu         sync.RWMutex
	transports []Transport
	sequences  map[string]uint64
}

func New(transports ...Transport) *Relay {
	return &Relay{
		transports: transports,
		sequences:  make(map[string]uint64),
	}
}

// Add registers another transport. Envelopes relayed earlier are not replayed.
func (r *Relay) Add(transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, transport)
}

// Relay delivers payload to every roster member except excludeClientID.
// Callers relay from inside the document's serialization point, which is what
// keeps per-document delivery in submission order.
func (r *Relay) Relay(documentID, excludeClientID string, roster []string, payload Payload) Envelope {
	recipients := make([]string, 0, len(roster))
	for _, clientID := range roster {
		if clientID == excludeClientID {
			continue
		}
		recipients = append(recipients, clientID)
	}

	r.mu.Lock()
	r.sequences[documentID]++
	env := Envelope{
		DocumentID: documentID,
		Sequence:   r.sequences[documentID],
		Recipients: recipients,
		Payload:    payload,
	}
	transports := r.transports
	r.mu.Unlock()

	for _, transport := range transports {
		transport.Deliver(env)
	}
	return env
}

// Forget drops the sequence counter of an evicted document.
func (r *Relay) Forget(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sequences, documentID)
}
