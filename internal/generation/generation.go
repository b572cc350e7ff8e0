// Package generation runs automated edit producers as pseudo-clients of a
// document, submitting their batches through the same acceptance gate as humans.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tandem/api/internal/steps"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Cancellation reasons recorded on cancelled generations.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonShutdown  = "shutdown"
)

var (
	ErrGenerationNotFound = errors.New("generation not found")
	ErrNotRunning         = errors.New("generation is not running")
	ErrRebaseExhausted    = errors.New("rebase attempts exhausted")
	ErrClosed             = errors.New("generation controller closed")

	errCancelled = errors.New("generation cancelled")
	errTimedOut  = errors.New("generation timed out")
	errShutdown  = errors.New("generation controller shutting down")
)

// Range is a replace target in document positions, From inclusive, To exclusive.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Options struct {
	// ReplaceRange switches the generation from append mode to replacing a range.
	ReplaceRange *Range
	// Position is the append position. Nil appends at the end of the document.
	Position    *int
	RequesterID string
	// Timeout overrides the default hard timeout, capped at the configured maximum.
	Timeout time.Duration
}

// Request is what a producer is given: the instruction, the target and the
// document state the generation started from.
type Request struct {
	GenerationID string
	DocumentID   string
	Instruction  string
	ReplaceRange *Range
	Position     *int
	Document     json.RawMessage
	Version      int
	Steps        []steps.Step
}

// Generation is a point-in-time view of one run.
type Generation struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"documentId"`
	Instruction  string     `json:"instruction"`
	RequesterID  string     `json:"requesterId,omitempty"`
	ReplaceRange *Range     `json:"replaceRange,omitempty"`
	Position     *int       `json:"position,omitempty"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	BatchCount   int        `json:"batchCount"`
	StepCount    int        `json:"stepCount"`
	Version      int        `json:"version"`
	TimeoutMs    int64      `json:"timeoutMs"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// EmitFunc submits one batch through the gate and returns the steps that were
// actually accepted. After a concurrent edit they are the rebased steps, and
// may be empty when rebasing left nothing to apply. It fails once the
// generation is cancelled or timed out. Producers must not call it concurrently.
type EmitFunc func(batch []steps.Step) ([]steps.Step, error)

// Producer generates the steps of one run. It returns when done or when ctx
// ends; a non-nil error that is not caused by ctx fails the generation.
type Producer interface {
	Produce(ctx context.Context, req Request, emit EmitFunc) error
}

type ProducerFunc func(ctx context.Context, req Request, emit EmitFunc) error

func (f ProducerFunc) Produce(ctx context.Context, req Request, emit EmitFunc) error {
	return f(ctx, req, emit)
}

// Rebaser moves pending batches past the steps accepted since they were composed.
type Rebaser interface {
	Rebase(ctx context.Context, pending [][]steps.Step, missing []steps.Step) ([][]steps.Step, error)
}

type RebaseFunc func(ctx context.Context, pending [][]steps.Step, missing []steps.Step) ([][]steps.Step, error)

func (f RebaseFunc) Rebase(ctx context.Context, pending [][]steps.Step, missing []steps.Step) ([][]steps.Step, error) {
	return f(ctx, pending, missing)
}

// StatusStore keeps generation snapshots beyond in-memory retention.
type StatusStore interface {
	Save(ctx context.Context, gen Generation, ttl time.Duration) error
	Lookup(ctx context.Context, id string) (Generation, error)
}
