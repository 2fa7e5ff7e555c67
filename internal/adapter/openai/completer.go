package openai

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"pdfrag/internal/retrieval"
)

var ErrNoChoices = errors.New("provider returned no choices")

// Completer calls an OpenAI-compatible chat completions endpoint, such as
// Groq.
type Completer struct {
	client      llms.Model
	model       string
	temperature float64
	logger      *slog.Logger
}

func NewCompleter(baseURL, apiKey, model string, temperature float64) (*Completer, error) {
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Completer{
		client:      client,
		model:       model,
		temperature: temperature,
		logger:      slog.Default().With("component", "openai-completer"),
	}, nil
}

func (c *Completer) Complete(ctx context.Context, prompt retrieval.Prompt) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(prompt.System)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt.User)},
		},
	}

	resp, err := c.client.GenerateContent(ctx, content, llms.WithTemperature(c.temperature))
	if err != nil {
		c.logger.ErrorContext(ctx, "completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Content, nil
}
