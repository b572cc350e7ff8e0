package genstatus

import (
	"context"
	"log"
	"time"

	"tandem/api/internal/generation"
	"tandem/api/internal/store"
)

// HistoryWriter persists finished generations.
type HistoryWriter interface {
	RecordGeneration(ctx context.Context, run store.GenerationRun) error
}

// Recording is a status store that also writes every terminal generation to
// a history table. History failures are logged, not returned: the status
// lookup path must keep working when the database does not.
type Recording struct {
	generation.StatusStore
	history HistoryWriter
}

func WithHistory(next generation.StatusStore, history HistoryWriter) *Recording {
	return &Recording{StatusStore: next, history: history}
}

func (r *Recording) Save(ctx context.Context, gen generation.Generation, ttl time.Duration) error {
	err := r.StatusStore.Save(ctx, gen, ttl)
	if gen.Status.Terminal() && r.history != nil {
		if herr := r.history.RecordGeneration(ctx, runFromGeneration(gen)); herr != nil {
			log.Printf("genstatus: record history for %s: %v", gen.ID, herr)
		}
	}
	return err
}

// Ping checks the wrapped store when it supports it.
func (r *Recording) Ping(ctx context.Context) error {
	if pinger, ok := r.StatusStore.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func runFromGeneration(gen generation.Generation) store.GenerationRun {
	finished := time.Now().UTC()
	if gen.FinishedAt != nil {
		finished = *gen.FinishedAt
	}
	return store.GenerationRun{
		ID:          gen.ID,
		DocumentID:  gen.DocumentID,
		RequesterID: gen.RequesterID,
		Status:      string(gen.Status),
		Reason:      gen.Reason,
		BatchCount:  gen.BatchCount,
		StepCount:   gen.StepCount,
		StartedAt:   gen.StartedAt,
		FinishedAt:  finished,
	}
}
