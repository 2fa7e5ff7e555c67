package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"pdfrag/internal/middleware"
)

// RetrievedChunk is a stored chunk returned by a similarity search. The JSON
// shape (pageContent, metadata) is what chat clients receive as docs.
type RetrievedChunk struct {
	ID        string         `json:"id"`
	Text      string         `json:"pageContent"`
	Metadata  map[string]any `json:"metadata"`
	Dimension int            `json:"dimension"`
	Score     float32        `json:"score"`
}

type QueryResult struct {
	Query           string           `json:"query"`
	RetrievedChunks []RetrievedChunk `json:"docs"`
	Answer          string           `json:"message"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher returns up to k chunks of collection most similar to vector.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, k int) ([]RetrievedChunk, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type Service struct {
	embedder    Embedder
	store       Searcher
	completer   Completer
	collection  string
	topK        int
	callTimeout time.Duration
	logger      *QueryLogger
}

type Option func(*Service)

func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func WithQueryLogger(l *QueryLogger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(e Embedder, st Searcher, c Completer, collection string, opts ...Option) *Service {
	s := &Service{
		embedder:    e,
		store:       st,
		completer:   c,
		collection:  collection,
		topK:        2,
		callTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Answer embeds query, retrieves the top-k chunks and asks the completion
// provider to answer from them. The answer is returned as the provider
// produced it.
func (s *Service) Answer(ctx context.Context, query string) (result *QueryResult, err error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	defer func() {
		if s.logger == nil {
			return
		}
		entry := QueryLogEntry{
			Query:         query,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if result != nil {
			entry.NumResults = len(result.RetrievedChunks)
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	chunks, err := s.retrieve(ctx, query)
	if err != nil {
		slog.ErrorContext(ctx, "retrieval failed", "error", err)
		return nil, &RetrievalError{Err: err}
	}

	prompt, err := BuildPrompt(query, chunks)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	answer, err := s.completer.Complete(callCtx, prompt)
	if err != nil {
		slog.ErrorContext(ctx, "completion failed", "error", err, "docs", len(chunks))
		return nil, &GenerationError{Err: err}
	}

	return &QueryResult{Query: query, RetrievedChunks: chunks, Answer: answer}, nil
}

func (s *Service) retrieve(ctx context.Context, query string) ([]RetrievedChunk, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	vec, err := s.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		return nil, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	chunks, err := s.store.Search(searchCtx, s.collection, vec, s.topK)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > s.topK {
		chunks = chunks[:s.topK]
	}
	if chunks == nil {
		chunks = []RetrievedChunk{}
	}
	return chunks, nil
}
