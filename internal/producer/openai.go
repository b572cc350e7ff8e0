package producer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"tandem/api/internal/generation"
	"tandem/api/internal/pmstep"
)

const (
	defaultModel      = openai.GPT4oMini
	defaultChunkRunes = 48
	systemPrompt      = "You are a co-author editing a shared rich-text document. " +
		"Reply with the text to insert only: no preamble, no quotes, no markdown fences."
)

// ChatClient is the part of the OpenAI client the producer uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient builds a client for the OpenAI API or any compatible
// endpoint when baseURL is set.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAI asks a chat model for the text and writes the reply into the
// document in chunks of chunkRunes runes, one batch per chunk.
type OpenAI struct {
	client     ChatClient
	model      string
	chunkRunes int
}

func NewOpenAI(client ChatClient, model string, chunkRunes int) *OpenAI {
	if model == "" {
		model = defaultModel
	}
	if chunkRunes <= 0 {
		chunkRunes = defaultChunkRunes
	}
	return &OpenAI{client: client, model: model, chunkRunes: chunkRunes}
}

func (o *OpenAI) Produce(ctx context.Context, req generation.Request, emit generation.EmitFunc) error {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion: no choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return writeChunks(ctx, req, emit, chunkText(text, o.chunkRunes))
}

func userPrompt(req generation.Request) string {
	var b strings.Builder
	if req.ReplaceRange != nil {
		b.WriteString("Rewrite the selected passage of the document.\n")
	} else {
		b.WriteString("Continue the document.\n")
	}
	text, err := pmstep.CurrentText(req.Document, req.Steps)
	if err != nil {
		text = pmstep.PlainText(req.Document)
	}
	if text != "" {
		b.WriteString("Document:\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("Instruction: ")
	b.WriteString(req.Instruction)
	return b.String()
}
