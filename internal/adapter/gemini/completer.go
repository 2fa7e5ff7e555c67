package gemini

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"pdfrag/internal/retrieval"
)

const DefaultCompletionModel = "gemini-2.0-flash"

var ErrNoCandidates = errors.New("gemini returned no candidates")

type Completer struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewCompleter(ctx context.Context, apiKey, model string, temperature float64, opts ...option.ClientOption) (*Completer, error) {
	if model == "" {
		model = DefaultCompletionModel
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Completer{client: client, model: model, temperature: float32(temperature)}, nil
}

// Complete sends the system context as the model's system instruction and
// the user query as the only turn.
func (c *Completer) Complete(ctx context.Context, prompt retrieval.Prompt) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(c.temperature)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(prompt.System)}}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt.User))
	if err != nil {
		slog.ErrorContext(ctx, "completion failed", "error", err, "model", c.model)
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoCandidates
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), nil
}

func (c *Completer) Close() error {
	return c.client.Close()
}
