package app

import (
	"context"
	"fmt"

	"pdfrag/internal/adapter/gemini"
	"pdfrag/internal/adapter/openai"
	"pdfrag/internal/config"
	"pdfrag/internal/retrieval"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// newEmbedder builds the embedding client named by EMBEDDING_PROVIDER. The
// same instance serves ingestion and queries so both use one model.
func newEmbedder(ctx context.Context, cfg *config.Config) (Embedder, func() error, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		model := cfg.EmbeddingModel
		if model == "" || cfg.EmbeddingModel == defaultOpenAIEmbeddingModel {
			model = gemini.DefaultEmbeddingModel
		}
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, model)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case config.ProviderOpenAI:
		e, err := openai.NewEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return e, noopClose, nil
	default:
		return nil, nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}

func newCompleter(ctx context.Context, cfg *config.Config) (retrieval.Completer, func() error, error) {
	switch cfg.CompletionProvider {
	case config.ProviderGemini:
		model := cfg.CompletionModel
		if model == "" || model == defaultOpenAICompletionModel {
			model = gemini.DefaultCompletionModel
		}
		c, err := gemini.NewCompleter(ctx, cfg.GeminiAPIKey, model, cfg.Temperature)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.ProviderOpenAI:
		c, err := openai.NewCompleter(cfg.CompletionBaseURL, cfg.CompletionAPIKey, cfg.CompletionModel, cfg.Temperature)
		if err != nil {
			return nil, nil, err
		}
		return c, noopClose, nil
	default:
		return nil, nil, fmt.Errorf("unsupported completion provider %q", cfg.CompletionProvider)
	}
}

// The OpenAI-compatible defaults name models Gemini does not serve.
const (
	defaultOpenAIEmbeddingModel  = "Qwen/Qwen3-Embedding-8B"
	defaultOpenAICompletionModel = "moonshotai/kimi-k2-instruct-0905"
)

func noopClose() error { return nil }
