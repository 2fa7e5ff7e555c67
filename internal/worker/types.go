package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pdfrag/internal/text"
)

// chunkNamespace seeds the deterministic chunk ids, so redelivering a job
// overwrites the objects written by the previous attempt.
var chunkNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9a57-8f3c2b1d4e60")

// DocumentChunk is one slice of a loaded PDF. Ordinal is stable for a given
// file and chunk configuration.
type DocumentChunk struct {
	ID             string
	SourceDocument string
	SourcePath     string
	Ordinal        int
	Text           string
	Metadata       map[string]any
}

type EmbeddedChunk struct {
	Chunk     DocumentChunk
	Vector    []float32
	Dimension int
}

// ChunkID derives the identity of a chunk from the stored file and its
// ordinal.
func ChunkID(sourcePath string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", sourcePath, ordinal))).String()
}

type Loader interface {
	Load(ctx context.Context, path string) ([]text.Page, error)
}

type Chunker interface {
	ChunkPages(pages []text.Page) ([]text.ChunkResult, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	// EnsureCollection makes sure the named collection exists. It must be
	// safe to call concurrently and repeatedly.
	EnsureCollection(ctx context.Context, name string, dimension int) error
	// Upsert writes all chunks of one document as a single batch.
	Upsert(ctx context.Context, collection string, chunks []EmbeddedChunk) error
	// DeleteDocument removes every chunk stored for sourcePath.
	DeleteDocument(ctx context.Context, collection, sourcePath string) error
}
