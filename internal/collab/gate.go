package collab

import (
	"context"
	"fmt"
	"log"

	"tandem/api/internal/metrics"
	"tandem/api/internal/relay"
	"tandem/api/internal/steps"
)

// Batch is one submission: steps composed against BaseVersion.
type Batch struct {
	DocumentID  string
	BaseVersion int
	Steps       []steps.Step
	ClientID    string

	// Notify, when set, receives the outcome while the document lock is held,
	// so the submitter sees it in order with the steps relayed to it.
	Notify func(Result)
}

// Result is the gate's answer. A rejection is not an error: it carries the
// current version and the steps the submitter missed so it can rebase.
type Result struct {
	Accepted     bool         `json:"accepted"`
	Version      int          `json:"version"`
	MissingSteps []steps.Step `json:"missingSteps,omitempty"`
}

func Accepted(version int) Result {
	return Result{Accepted: true, Version: version}
}

func Rejected(current int, missing []steps.Step) Result {
	return Result{Accepted: false, Version: current, MissingSteps: missing}
}

// Submit applies the accept/reject rule for one batch. The whole batch is
// appended or none of it is. On acceptance the batch is relayed to every other
// client while the document lock is still held.
// Notify must not block or call back into the registry.
func (r *Registry) Submit(ctx context.Context, batch Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	session := r.lookup(batch.DocumentID)
	if session == nil {
		return Result{}, r.violation(batch, fmt.Errorf("%w: %s", ErrUnknownDocument, batch.DocumentID))
	}
	if len(batch.Steps) == 0 {
		return Result{}, r.violation(batch, ErrEmptyBatch)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.evicted {
		return Result{}, r.violation(batch, fmt.Errorf("%w: %s", ErrUnknownDocument, batch.DocumentID))
	}
	if !session.accepts(batch.ClientID) {
		return Result{}, r.violation(batch, fmt.Errorf("%w: %s on %s", ErrNotJoined, batch.ClientID, batch.DocumentID))
	}

	current := session.ledger.Version()
	switch {
	case batch.BaseVersion == current:
		version := session.ledger.Append(batch.Steps)
		accepted, err := session.ledger.Since(current)
		if err != nil {
			return Result{}, fmt.Errorf("read back accepted steps: %w", err)
		}
		metrics.BatchAccepted(len(accepted))
		result := Accepted(version)
		batch.notify(result)
		r.relay.Relay(batch.DocumentID, batch.ClientID, session.roster(), relay.StepsPayload(batch.ClientID, accepted, version))
		return result, nil

	case batch.BaseVersion > current:
		return Result{}, r.violation(batch, fmt.Errorf("%w: base version %d is ahead of %d", ErrProtocolViolation, batch.BaseVersion, current))

	default:
		missing, err := session.ledger.Since(batch.BaseVersion)
		if err != nil {
			return Result{}, r.violation(batch, fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		}
		metrics.BatchRejected()
		result := Rejected(current, missing)
		batch.notify(result)
		return result, nil
	}
}

func (b Batch) notify(result Result) {
	if b.Notify != nil {
		b.Notify(result)
	}
}

func (r *Registry) violation(batch Batch, err error) error {
	metrics.ProtocolViolation()
	log.Printf("collab: rejected batch from %s on %s at base %d: %v", batch.ClientID, batch.DocumentID, batch.BaseVersion, err)
	return err
}
