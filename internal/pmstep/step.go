// Package pmstep encodes ProseMirror-style replace steps for the built-in
// producers and maps positions through them when a generation has to rebase.
package pmstep

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"tandem/api/internal/steps"
)

const stepTypeReplace = "replace"

// ErrUnsupportedStep is returned for steps this package cannot map positions through.
var ErrUnsupportedStep = errors.New("unsupported step")

// Node is a document node inside a slice.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Size is the node's width in document positions. Text counts UTF-16 code
// units like the editor does, leaves count one, other nodes wrap their content
// with an opening and closing token.
func (n Node) Size() int {
	if n.Type == "text" {
		return len(utf16.Encode([]rune(n.Text)))
	}
	if len(n.Content) == 0 && isLeaf(n.Type) {
		return 1
	}
	size := 2
	for _, child := range n.Content {
		size += child.Size()
	}
	return size
}

func isLeaf(nodeType string) bool {
	switch nodeType {
	case "hard_break", "hardBreak", "horizontal_rule", "horizontalRule", "image":
		return true
	}
	return false
}

type Slice struct {
	Content   []Node `json:"content,omitempty"`
	OpenStart int    `json:"openStart,omitempty"`
	OpenEnd   int    `json:"openEnd,omitempty"`
}

func (s *Slice) Size() int {
	if s == nil {
		return 0
	}
	size := 0
	for _, node := range s.Content {
		size += node.Size()
	}
	return size - s.OpenStart - s.OpenEnd
}

// ReplaceStep replaces [From, To) with Slice.
type ReplaceStep struct {
	StepType  string `json:"stepType"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Slice     *Slice `json:"slice,omitempty"`
	Structure bool   `json:"structure,omitempty"`
}

// Map returns the step's position map.
func (s ReplaceStep) Map() StepMap {
	return StepMap{Start: s.From, OldSize: s.To - s.From, NewSize: s.Slice.Size()}
}

// Insert builds a step inserting text at pos.
func Insert(pos int, text string) steps.Step {
	return Replace(pos, pos, text)
}

// Replace builds a step replacing [from, to) with text. Empty text deletes.
func Replace(from, to int, text string) steps.Step {
	step := ReplaceStep{StepType: stepTypeReplace, From: from, To: to}
	if text != "" {
		step.Slice = &Slice{Content: []Node{{Type: "text", Text: text}}}
	}
	return Encode(step)
}

func Encode(step ReplaceStep) steps.Step {
	payload, err := json.Marshal(step)
	if err != nil {
		// ReplaceStep holds only JSON-safe values.
		panic(fmt.Sprintf("pmstep: encode replace step: %v", err))
	}
	return payload
}

// Decode parses a replace step. Other step types yield ErrUnsupportedStep.
func Decode(raw steps.Step) (ReplaceStep, error) {
	var step ReplaceStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return ReplaceStep{}, fmt.Errorf("decode step: %w", err)
	}
	if step.StepType != stepTypeReplace {
		return ReplaceStep{}, fmt.Errorf("%w: %q", ErrUnsupportedStep, step.StepType)
	}
	if step.From < 0 || step.To < step.From {
		return ReplaceStep{}, fmt.Errorf("decode step: invalid range [%d, %d)", step.From, step.To)
	}
	return step, nil
}

// TextSize is the width of text in document positions.
func TextSize(text string) int {
	return len(utf16.Encode([]rune(text)))
}

// EndPosition is the end of the document's content once history is applied on
// top of document. A nil document counts as an empty one.
func EndPosition(document json.RawMessage, history []steps.Step) (int, error) {
	size := 0
	if len(document) > 0 && string(document) != "null" {
		var doc Node
		if err := json.Unmarshal(document, &doc); err != nil {
			return 0, fmt.Errorf("decode document: %w", err)
		}
		size = doc.Size() - 2
	}
	for i, raw := range history {
		delta, err := sizeDelta(raw)
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", i, err)
		}
		size += delta
	}
	if size < 0 {
		return 0, fmt.Errorf("document size went negative (%d)", size)
	}
	return size, nil
}

func sizeDelta(raw steps.Step) (int, error) {
	var step struct {
		StepType string `json:"stepType"`
		From     int    `json:"from"`
		To       int    `json:"to"`
		GapFrom  int    `json:"gapFrom"`
		GapTo    int    `json:"gapTo"`
		Slice    *Slice `json:"slice"`
	}
	if err := json.Unmarshal(raw, &step); err != nil {
		return 0, fmt.Errorf("decode step: %w", err)
	}
	switch step.StepType {
	case stepTypeReplace:
		return step.Slice.Size() - (step.To - step.From), nil
	case "replaceAround":
		return step.Slice.Size() - (step.GapFrom - step.From) - (step.To - step.GapTo), nil
	case "addMark", "removeMark", "addNodeMark", "removeNodeMark", "attr", "docAttr":
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedStep, step.StepType)
	}
}

// PlainText flattens a document to text, one line per textblock. Malformed
// documents yield "".
func PlainText(document json.RawMessage) string {
	if len(document) == 0 {
		return ""
	}
	var doc Node
	if err := json.Unmarshal(document, &doc); err != nil {
		return ""
	}
	var b strings.Builder
	writeText(&b, doc)
	return strings.TrimSpace(b.String())
}

func writeText(b *strings.Builder, node Node) {
	switch {
	case node.Type == "text":
		b.WriteString(node.Text)
		return
	case node.Type == "hard_break" || node.Type == "hardBreak":
		b.WriteString("\n")
		return
	}
	textblock := false
	for _, child := range node.Content {
		textblock = textblock || child.Type == "text"
		writeText(b, child)
	}
	if textblock {
		b.WriteString("\n")
	}
}

// AppendPosition is where appended text lands: just inside the last block of a
// structured document, or the end of a flat one.
func AppendPosition(document json.RawMessage, history []steps.Step) (int, error) {
	end, err := EndPosition(document, history)
	if err != nil {
		return 0, err
	}
	var doc Node
	if len(document) == 0 || json.Unmarshal(document, &doc) != nil || len(doc.Content) == 0 {
		return end, nil
	}
	last := doc.Content[len(doc.Content)-1]
	if last.Type != "text" && !isLeaf(last.Type) && end > 0 {
		return end - 1, nil
	}
	return end, nil
}
