package pmstep

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"

	"tandem/api/internal/steps"
)

type tokenKind uint8

const (
	tokenOpen tokenKind = iota
	tokenClose
	tokenLeaf
	tokenChar
)

// token is one document position: a node boundary, a leaf or a UTF-16 unit.
type token struct {
	kind     tokenKind
	nodeType string
	unit     uint16
}

func flatten(nodes []Node, out []token) []token {
	for _, node := range nodes {
		switch {
		case node.Type == "text":
			for _, unit := range utf16.Encode([]rune(node.Text)) {
				out = append(out, token{kind: tokenChar, unit: unit})
			}
		case len(node.Content) == 0 && isLeaf(node.Type):
			out = append(out, token{kind: tokenLeaf, nodeType: node.Type})
		default:
			out = append(out, token{kind: tokenOpen, nodeType: node.Type})
			out = flatten(node.Content, out)
			out = append(out, token{kind: tokenClose, nodeType: node.Type})
		}
	}
	return out
}

func sliceTokens(s *Slice) []token {
	if s == nil {
		return nil
	}
	out := flatten(s.Content, nil)
	start, end := s.OpenStart, len(out)-s.OpenEnd
	if start > len(out) || end < start {
		return nil
	}
	return out[start:end]
}

// CurrentText is the plain text of document once history is applied, one line
// per textblock. Mark and attribute steps leave the text alone.
func CurrentText(document json.RawMessage, history []steps.Step) (string, error) {
	var content []token
	if len(document) > 0 && string(document) != "null" {
		var doc Node
		if err := json.Unmarshal(document, &doc); err != nil {
			return "", fmt.Errorf("decode document: %w", err)
		}
		content = flatten(doc.Content, nil)
	}
	for i, raw := range history {
		next, err := applyToTokens(content, raw)
		if err != nil {
			return "", fmt.Errorf("step %d: %w", i, err)
		}
		content = next
	}
	return renderTokens(content), nil
}

func applyToTokens(content []token, raw steps.Step) ([]token, error) {
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
		if step.From < 0 || step.To < step.From || step.To > len(content) {
			return nil, fmt.Errorf("replace [%d, %d) outside document of size %d", step.From, step.To, len(content))
		}
		return splice(content, step.From, step.To, sliceTokens(step.Slice)), nil
	case "replaceAround":
		if step.From < 0 || step.GapFrom < step.From || step.GapTo < step.GapFrom || step.To < step.GapTo || step.To > len(content) {
			return nil, fmt.Errorf("replaceAround [%d, %d) outside document of size %d", step.From, step.To, len(content))
		}
		inserted := sliceTokens(step.Slice)
		at := min(max(step.Insert, 0), len(inserted))
		replacement := make([]token, 0, len(inserted)+step.GapTo-step.GapFrom)
		replacement = append(replacement, inserted[:at]...)
		replacement = append(replacement, content[step.GapFrom:step.GapTo]...)
		replacement = append(replacement, inserted[at:]...)
		return splice(content, step.From, step.To, replacement), nil
	case "addMark", "removeMark", "addNodeMark", "removeNodeMark", "attr", "docAttr":
		return content, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStep, step.StepType)
	}
}

func splice(content []token, from, to int, replacement []token) []token {
	out := make([]token, 0, len(content)-(to-from)+len(replacement))
	out = append(out, content[:from]...)
	out = append(out, replacement...)
	return append(out, content[to:]...)
}

func renderTokens(content []token) string {
	var b strings.Builder
	var units []uint16
	flush := func() {
		if len(units) > 0 {
			b.WriteString(string(utf16.Decode(units)))
			units = units[:0]
		}
	}
	// hasText tracks, per open node, whether text sits directly inside it.
	var hasText []bool
	for _, tok := range content {
		switch tok.kind {
		case tokenChar:
			units = append(units, tok.unit)
			if n := len(hasText); n > 0 {
				hasText[n-1] = true
			}
		case tokenLeaf:
			if tok.nodeType == "hard_break" || tok.nodeType == "hardBreak" {
				flush()
				b.WriteString("\n")
			}
		case tokenOpen:
			hasText = append(hasText, false)
		case tokenClose:
			flush()
			if n := len(hasText); n > 0 {
				if hasText[n-1] {
					b.WriteString("\n")
				}
				hasText = hasText[:n-1]
			}
		}
	}
	flush()
	return strings.TrimSpace(b.String())
}
