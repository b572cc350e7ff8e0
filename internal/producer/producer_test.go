package producer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"tandem/api/internal/collab"
	"tandem/api/internal/generation"
	"tandem/api/internal/pmstep"
	"tandem/api/internal/relay"
	"tandem/api/internal/steps"
)

type fakeChatClient struct {
	mu       sync.Mutex
	response openai.ChatCompletionResponse
	err      error
	calls    []openai.ChatCompletionRequest
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.response, f.err
}

func reply(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}}},
	}
}

// recorder accepts every batch, optionally shifting it to mimic a rebase.
type recorder struct {
	shift   func(call int) int
	batches [][]steps.Step
}

func (r *recorder) emit(batch []steps.Step) ([]steps.Step, error) {
	call := len(r.batches)
	accepted := batch
	if r.shift != nil {
		if delta := r.shift(call); delta != 0 {
			accepted = make([]steps.Step, 0, len(batch))
			for _, raw := range batch {
				step, err := pmstep.Decode(raw)
				if err != nil {
					return nil, err
				}
				step.From += delta
				step.To += delta
				accepted = append(accepted, pmstep.Encode(step))
			}
		}
	}
	r.batches = append(r.batches, accepted)
	return accepted, nil
}

func (r *recorder) decoded(t *testing.T) []pmstep.ReplaceStep {
	t.Helper()
	var out []pmstep.ReplaceStep
	for _, batch := range r.batches {
		for _, raw := range batch {
			step, err := pmstep.Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			out = append(out, step)
		}
	}
	return out
}

func insertedText(step pmstep.ReplaceStep) string {
	if step.Slice == nil {
		return ""
	}
	var b strings.Builder
	for _, node := range step.Slice.Content {
		b.WriteString(node.Text)
	}
	return b.String()
}

var paragraphDoc = json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"abc"}]}]}`)

func TestScriptedAppendsAtEndOfDocument(t *testing.T) {
	rec := &recorder{}
	req := generation.Request{Document: paragraphDoc, Instruction: "ignored"}
	if err := (Scripted{Chunks: []string{"one ", "two"}}).Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	got := rec.decoded(t)
	if len(got) != 2 {
		t.Fatalf("steps = %d, want 2", len(got))
	}
	if got[0].From != 4 || insertedText(got[0]) != "one " {
		t.Fatalf("first step = %+v", got[0])
	}
	if got[1].From != 8 || insertedText(got[1]) != "two" {
		t.Fatalf("second step = %+v", got[1])
	}
}

func TestScriptedEchoesInstructionWords(t *testing.T) {
	rec := &recorder{}
	pos := 0
	req := generation.Request{Instruction: "hello  there world", Position: &pos}
	if err := (Scripted{}).Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	var text strings.Builder
	for _, step := range rec.decoded(t) {
		text.WriteString(insertedText(step))
	}
	if text.String() != "hello there world" {
		t.Fatalf("written text = %q", text.String())
	}
}

func TestCursorFollowsRebasedSteps(t *testing.T) {
	rec := &recorder{shift: func(call int) int {
		if call == 0 {
			return 10
		}
		return 0
	}}
	pos := 0
	req := generation.Request{Position: &pos}
	if err := (Scripted{Chunks: []string{"ab", "cd"}}).Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	got := rec.decoded(t)
	if got[1].From != 12 {
		t.Fatalf("second insert at %d, want 12", got[1].From)
	}
}

func TestReplaceRangeReplacesWithFirstChunk(t *testing.T) {
	rec := &recorder{}
	req := generation.Request{ReplaceRange: &generation.Range{From: 2, To: 5}}
	if err := (Scripted{Chunks: []string{"X", "Y"}}).Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	got := rec.decoded(t)
	if got[0].From != 2 || got[0].To != 5 || insertedText(got[0]) != "X" {
		t.Fatalf("replace step = %+v", got[0])
	}
	if got[1].From != 3 || got[1].To != 3 || insertedText(got[1]) != "Y" {
		t.Fatalf("follow-up insert = %+v", got[1])
	}
}

func TestReplaceRangeDeletedByHumanKeepsHumanEdit(t *testing.T) {
	registry := collab.NewRegistry(relay.New(), time.Minute)
	if _, err := registry.Join("doc-1", "alice", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	submit := func(base int, step steps.Step) {
		t.Helper()
		res, err := registry.Submit(context.Background(), collab.Batch{DocumentID: "doc-1", BaseVersion: base, Steps: []steps.Step{step}, ClientID: "alice"})
		if err != nil || !res.Accepted {
			t.Fatalf("submit at %d = %+v, %v", base, res, err)
		}
	}
	submit(0, pmstep.Insert(0, strings.Repeat("a", 30)))

	controller := generation.New(registry, Scripted{Chunks: []string{"", "X"}, Delay: 200 * time.Millisecond}, pmstep.Rebaser{}, nil, generation.Config{}, func() string { return "gen-1" })
	defer controller.Close(context.Background())

	gen, err := controller.Start(context.Background(), "doc-1", "rewrite", generation.Options{ReplaceRange: &generation.Range{From: 10, To: 20}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	submit(1, pmstep.Replace(0, 30, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := controller.Wait(ctx, gen.ID)
	if err != nil || done.Status != generation.StatusCompleted {
		t.Fatalf("Wait() = %+v, %v", done, err)
	}
	snap, err := registry.Snapshot("doc-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	text, err := pmstep.CurrentText(snap.Document, snap.Steps)
	if err != nil || text != "X" {
		t.Fatalf("document text = %q, %v; want %q", text, err, "X")
	}
}

func TestScriptedStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	err := (Scripted{Chunks: []string{"a"}}).Produce(ctx, generation.Request{}, rec.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Produce() error = %v, want context.Canceled", err)
	}
	if len(rec.batches) != 0 {
		t.Fatalf("emitted %d batches after cancel", len(rec.batches))
	}
}

func TestOpenAIWritesReplyInChunks(t *testing.T) {
	client := &fakeChatClient{response: reply("  Hello brave new world  ")}
	producer := NewOpenAI(client, "test-model", 6)
	rec := &recorder{}
	req := generation.Request{Document: paragraphDoc, Steps: []steps.Step{pmstep.Insert(4, "d")}, Instruction: "greet the reader"}

	if err := producer.Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(client.calls))
	}
	call := client.calls[0]
	if call.Model != "test-model" {
		t.Fatalf("model = %q", call.Model)
	}
	user := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(user, "greet the reader") || !strings.Contains(user, "abcd") {
		t.Fatalf("user prompt = %q", user)
	}

	var text strings.Builder
	for _, step := range rec.decoded(t) {
		text.WriteString(insertedText(step))
	}
	if text.String() != "Hello brave new world" {
		t.Fatalf("written text = %q", text.String())
	}
	if len(rec.batches) < 3 {
		t.Fatalf("batches = %d, want the reply split up", len(rec.batches))
	}
}

func TestOpenAIEmptyReplyDeletesReplaceRange(t *testing.T) {
	client := &fakeChatClient{response: reply("")}
	rec := &recorder{}
	req := generation.Request{ReplaceRange: &generation.Range{From: 2, To: 5}, Instruction: "remove it"}
	if err := NewOpenAI(client, "", 0).Produce(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	got := rec.decoded(t)
	if len(got) != 1 || got[0].From != 2 || got[0].To != 5 || got[0].Slice != nil {
		t.Fatalf("steps = %+v", got)
	}
}

func TestOpenAIFailures(t *testing.T) {
	rec := &recorder{}
	failing := &fakeChatClient{err: errors.New("rate limited")}
	if err := NewOpenAI(failing, "", 0).Produce(context.Background(), generation.Request{Instruction: "x"}, rec.emit); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("Produce() error = %v", err)
	}
	empty := &fakeChatClient{}
	if err := NewOpenAI(empty, "", 0).Produce(context.Background(), generation.Request{Instruction: "x"}, rec.emit); err == nil {
		t.Fatal("expected error for a reply without choices")
	}
	if len(rec.batches) != 0 {
		t.Fatalf("emitted %d batches on failure", len(rec.batches))
	}
}

func TestChunkTextPrefersWhitespace(t *testing.T) {
	got := chunkText("alpha beta gamma", 8)
	if strings.Join(got, "") != "alpha beta gamma" {
		t.Fatalf("chunks lose text: %q", got)
	}
	if got[0] != "alpha " {
		t.Fatalf("first chunk = %q, want break after whitespace", got[0])
	}
	for _, chunk := range got {
		if len([]rune(chunk)) > 8 {
			t.Fatalf("chunk %q exceeds limit", chunk)
		}
	}
}
