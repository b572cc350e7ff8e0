package producer

import (
	"context"
	"time"

	"tandem/api/internal/generation"
	"tandem/api/internal/steps"
)

// Scripted writes a fixed text, one chunk per batch. Without Chunks it writes
// the instruction back word by word.
type Scripted struct {
	Chunks []string
	Delay  time.Duration
}

func (s Scripted) Produce(ctx context.Context, req generation.Request, emit generation.EmitFunc) error {
	chunks := s.Chunks
	if len(chunks) == 0 {
		chunks = words(req.Instruction)
	}
	if s.Delay <= 0 {
		return writeChunks(ctx, req, emit, chunks)
	}

	paced := func(batch []steps.Step) ([]steps.Step, error) {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		return emit(batch)
	}
	return writeChunks(ctx, req, paced, chunks)
}
