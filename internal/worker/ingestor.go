package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdfrag/internal/queue"
	"pdfrag/internal/text"
)

const defaultCallTimeout = 60 * time.Second

// Ingestor runs one ingestion job end to end: load, chunk, embed, ensure the
// collection, upsert. Steps run strictly in order; nothing is written to the
// store unless every chunk was embedded, and a failed upsert leaves none of
// the document behind.
type Ingestor struct {
	loader      Loader
	chunker     Chunker
	embedder    Embedder
	store       VectorStore
	collection  string
	callTimeout time.Duration
	observe     func(job queue.IngestionJob, step Step)
}

type IngestorOption func(*Ingestor)

// WithCallTimeout bounds every embed, ensure and upsert call.
func WithCallTimeout(d time.Duration) IngestorOption {
	return func(i *Ingestor) {
		if d > 0 {
			i.callTimeout = d
		}
	}
}

// WithStepObserver registers fn to be called on every state transition.
func WithStepObserver(fn func(job queue.IngestionJob, step Step)) IngestorOption {
	return func(i *Ingestor) { i.observe = fn }
}

func NewIngestor(l Loader, c Chunker, e Embedder, s VectorStore, collection string, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		loader:      l,
		chunker:     c,
		embedder:    e,
		store:       s,
		collection:  collection,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Ingestor) Process(ctx context.Context, job queue.IngestionJob) error {
	start := time.Now()
	i.enter(ctx, job, StepReceived)

	i.enter(ctx, job, StepLoading)
	pages, err := i.loader.Load(ctx, job.Path)
	if err != nil {
		return i.fail(ctx, job, StepLoading, ErrLoad, err)
	}

	i.enter(ctx, job, StepChunking)
	chunks, err := i.chunk(job, pages)
	if err != nil {
		return i.fail(ctx, job, StepChunking, ErrChunk, err)
	}

	i.enter(ctx, job, StepEmbedding)
	embedded, err := i.embed(ctx, chunks)
	if err != nil {
		return i.fail(ctx, job, StepEmbedding, ErrEmbedding, err)
	}

	i.enter(ctx, job, StepBootstrapping)
	if err := i.withTimeout(ctx, func(ctx context.Context) error {
		return i.store.EnsureCollection(ctx, i.collection, embedded[0].Dimension)
	}); err != nil {
		return i.fail(ctx, job, StepBootstrapping, ErrStoreBootstrap, err)
	}

	i.enter(ctx, job, StepUpserting)
	if err := i.withTimeout(ctx, func(ctx context.Context) error {
		return i.store.Upsert(ctx, i.collection, embedded)
	}); err != nil {
		if rbErr := i.rollback(ctx, job); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return i.fail(ctx, job, StepUpserting, ErrUpsert, err)
	}

	i.enter(ctx, job, StepCompleted)
	slog.InfoContext(ctx, "document ingested",
		"filename", job.Filename,
		"chunks", len(embedded),
		"dimension", embedded[0].Dimension,
		"collection", i.collection,
		"duration", time.Since(start))
	return nil
}

func (i *Ingestor) chunk(job queue.IngestionJob, pages []text.Page) ([]DocumentChunk, error) {
	results, err := i.chunker.ChunkPages(pages)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("document produced no text chunks")
	}

	chunks := make([]DocumentChunk, len(results))
	for ordinal, r := range results {
		chunks[ordinal] = DocumentChunk{
			ID:             ChunkID(job.Path, ordinal),
			SourceDocument: job.Filename,
			SourcePath:     job.Path,
			Ordinal:        ordinal,
			Text:           r.Content,
			Metadata: map[string]any{
				"source":      job.Path,
				"page":        r.Page,
				"total_pages": r.TotalPages,
				"page_chunk":  r.PageChunk,
			},
		}
	}
	return chunks, nil
}

// embed embeds chunks in ordinal order and stops at the first failure.
func (i *Ingestor) embed(ctx context.Context, chunks []DocumentChunk) ([]EmbeddedChunk, error) {
	out := make([]EmbeddedChunk, 0, len(chunks))
	for _, c := range chunks {
		var vec []float32
		err := i.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			vec, err = i.embedder.Embed(ctx, c.Text)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.Ordinal, err)
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("chunk %d: empty embedding", c.Ordinal)
		}
		if len(out) > 0 && len(vec) != out[0].Dimension {
			return nil, fmt.Errorf("chunk %d: dimension %d differs from %d", c.Ordinal, len(vec), out[0].Dimension)
		}
		out = append(out, EmbeddedChunk{Chunk: c, Vector: vec, Dimension: len(vec)})
	}
	return out, nil
}

// rollback removes whatever part of the batch the store accepted. It runs
// even when ctx is already cancelled.
func (i *Ingestor) rollback(ctx context.Context, job queue.IngestionJob) error {
	err := i.withTimeout(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return i.store.DeleteDocument(ctx, i.collection, job.Path)
	})
	if err != nil {
		slog.ErrorContext(ctx, "partial document left in store", "filename", job.Filename, "error", err)
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (i *Ingestor) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, i.callTimeout)
	defer cancel()
	return fn(callCtx)
}

func (i *Ingestor) enter(ctx context.Context, job queue.IngestionJob, step Step) {
	slog.DebugContext(ctx, "ingestion step", "step", step.String(), "filename", job.Filename)
	if i.observe != nil {
		i.observe(job, step)
	}
}

func (i *Ingestor) fail(ctx context.Context, job queue.IngestionJob, step Step, kind, err error) error {
	i.enter(ctx, job, StepFailed)
	return &IngestionError{Step: step, Kind: kind, Err: err}
}
