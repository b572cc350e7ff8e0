package pmstep

import (
	"context"
	"encoding/json"
	"fmt"

	"tandem/api/internal/steps"
)

// StepMap describes one replaced range: OldSize positions at Start became NewSize.
type StepMap struct {
	Start   int
	OldSize int
	NewSize int
}

func (m StepMap) Invert() StepMap {
	return StepMap{Start: m.Start, OldSize: m.NewSize, NewSize: m.OldSize}
}

// MapPos maps pos across the replacement. assoc picks the side a position
// touching the replaced range sticks to: negative left, positive right.
func (m StepMap) MapPos(pos, assoc int) int {
	end := m.Start + m.OldSize
	if pos < m.Start {
		return pos
	}
	if pos > end {
		return pos + m.NewSize - m.OldSize
	}
	side := assoc
	if m.OldSize > 0 {
		switch pos {
		case m.Start:
			side = -1
		case end:
			side = 1
		}
	}
	if side < 0 {
		return m.Start
	}
	return m.Start + m.NewSize
}

// Mapping applies step maps in order.
type Mapping []StepMap

func (m Mapping) Map(pos, assoc int) int {
	for _, stepMap := range m {
		pos = stepMap.MapPos(pos, assoc)
	}
	return pos
}

// Rebaser moves pending replace steps past steps accepted concurrently. Each
// pending step is mapped back through the pending steps before it, forward
// through the missed steps, then forward through the already rebased pending
// steps. Deletions whose range was already removed become no-ops and are dropped,
// as are batches left empty.
type Rebaser struct{}

func (Rebaser) Rebase(ctx context.Context, pending [][]steps.Step, missing []steps.Step) ([][]steps.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	missingMaps := make([]StepMap, 0, len(missing))
	for i, raw := range missing {
		maps, err := StepMaps(raw)
		if err != nil {
			return nil, fmt.Errorf("missing step %d: %w", i, err)
		}
		missingMaps = append(missingMaps, maps...)
	}

	var inverted, rebasedMaps []StepMap
	out := make([][]steps.Step, 0, len(pending))
	for b, batch := range pending {
		rebased := make([]steps.Step, 0, len(batch))
		for i, raw := range batch {
			step, err := Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("pending batch %d step %d: %w", b, i, err)
			}

			mapping := make(Mapping, 0, len(inverted)+len(missingMaps)+len(rebasedMaps))
			for j := len(inverted) - 1; j >= 0; j-- {
				mapping = append(mapping, inverted[j])
			}
			mapping = append(mapping, missingMaps...)
			mapping = append(mapping, rebasedMaps...)

			from := mapping.Map(step.From, 1)
			to := mapping.Map(step.To, -1)
			if to < from {
				to = from
			}
			inverted = append(inverted, step.Map().Invert())

			if from == to && step.Slice.Size() == 0 {
				continue
			}
			step.From, step.To = from, to
			rebased = append(rebased, Encode(step))
			rebasedMaps = append(rebasedMaps, step.Map())
		}
		if len(rebased) > 0 {
			out = append(out, rebased)
		}
	}
	return out, nil
}

// StepMaps returns the position maps of any step a client may send, in the
// order they apply. Mark and attribute steps move no positions.
func StepMaps(raw steps.Step) ([]StepMap, error) {
	var step struct {
		StepType string `json:"stepType"`
		From     int    `json:"from"`
		To       int    `json:"to"`
		GapFrom  int    `json:"gapFrom"`
		GapTo    int    `json:"gapTo"`
		Insert   int    `json:"insert"`
		Slice    *Slice `json:"slice"`
	}
	if err := json.Unmarshal(raw, &step); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	switch step.StepType {
	case stepTypeReplace:
		replace, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return []StepMap{replace.Map()}, nil
	case "replaceAround":
		if step.From < 0 || step.GapFrom < step.From || step.GapTo < step.GapFrom || step.To < step.GapTo {
			return nil, fmt.Errorf("decode step: invalid replaceAround [%d, %d) gap [%d, %d)", step.From, step.To, step.GapFrom, step.GapTo)
		}
		size := step.Slice.Size()
		if step.Insert < 0 || step.Insert > size {
			return nil, fmt.Errorf("decode step: replaceAround insert %d outside slice of size %d", step.Insert, size)
		}
		// The content before the gap is replaced first, which shifts the range after it.
		head := StepMap{Start: step.From, OldSize: step.GapFrom - step.From, NewSize: step.Insert}
		tail := StepMap{
			Start:   step.GapTo + head.NewSize - head.OldSize,
			OldSize: step.To - step.GapTo,
			NewSize: size - step.Insert,
		}
		return []StepMap{head, tail}, nil
	case "addMark", "removeMark", "addNodeMark", "removeNodeMark", "attr", "docAttr":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStep, step.StepType)
	}
}
