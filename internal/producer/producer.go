// Package producer holds the built-in step producers a generation can run.
package producer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"tandem/api/internal/generation"
	"tandem/api/internal/pmstep"
	"tandem/api/internal/steps"
)

// writeChunks emits one insert step per chunk at the generation's target,
// replacing the target range with the first one. The cursor follows the
// accepted steps, so it moves with concurrent edits the gate made us rebase past.
func writeChunks(ctx context.Context, req generation.Request, emit generation.EmitFunc, chunks []string) error {
	pos, err := startPosition(req)
	if err != nil {
		return err
	}

	replace := req.ReplaceRange
	if replace != nil && len(chunks) == 0 {
		chunks = []string{""}
	}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		var step steps.Step
		if replace != nil {
			step = pmstep.Replace(replace.From, replace.To, chunk)
			replace = nil
		} else {
			if chunk == "" {
				continue
			}
			step = pmstep.Insert(pos, chunk)
		}

		accepted, err := emit([]steps.Step{step})
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			continue
		}
		last, err := pmstep.Decode(accepted[len(accepted)-1])
		if err != nil {
			return fmt.Errorf("decode accepted step: %w", err)
		}
		pos = last.From + last.Slice.Size()
	}
	return nil
}

func startPosition(req generation.Request) (int, error) {
	switch {
	case req.ReplaceRange != nil:
		return req.ReplaceRange.From, nil
	case req.Position != nil:
		return *req.Position, nil
	}
	pos, err := pmstep.AppendPosition(req.Document, req.Steps)
	if err != nil {
		return 0, fmt.Errorf("locate end of document: %w", err)
	}
	return pos, nil
}

// chunkText splits text into pieces of at most size runes, breaking after
// whitespace when one is close enough to the limit.
func chunkText(text string, size int) []string {
	if size <= 0 {
		size = 32
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// words splits text into words that keep their trailing space.
func words(text string) []string {
	fields := strings.Fields(text)
	for i := range fields[:max(len(fields)-1, 0)] {
		fields[i] += " "
	}
	return fields
}
