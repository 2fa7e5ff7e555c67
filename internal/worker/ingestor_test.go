package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/pdf"
	"pdfrag/internal/queue"
	"pdfrag/internal/testutils"
	"pdfrag/internal/text"
	"pdfrag/internal/vector"
	"pdfrag/internal/worker"
)

const collection = "pdf-docs"

func testJob() queue.IngestionJob {
	return queue.IngestionJob{
		ID:       "job-1",
		Filename: "report.pdf",
		Path:     "/tmp/1700000000000-42-report.pdf",
	}
}

func twoPages() []text.Page {
	return []text.Page{
		{Number: 1, TotalPages: 2, Text: "first page text"},
		{Number: 2, TotalPages: 2, Text: "second page text"},
	}
}

func TestIngestor_Process_Success(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := new(MockVectorStore)
	j := testJob()

	loader.On("Load", mock.Anything, j.Path).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, "first page text").Return([]float32{0.1, 0.2, 0.3}, nil)
	embedder.On("Embed", mock.Anything, "second page text").Return([]float32{0.4, 0.5, 0.6}, nil)
	store.On("EnsureCollection", mock.Anything, collection, 3).Return(nil)
	store.On("Upsert", mock.Anything, collection, mock.MatchedBy(func(chunks []worker.EmbeddedChunk) bool {
		if len(chunks) != 2 {
			return false
		}
		for i, c := range chunks {
			if c.Chunk.Ordinal != i || c.Chunk.ID != worker.ChunkID(j.Path, i) || c.Dimension != 3 {
				return false
			}
			if c.Chunk.SourceDocument != "report.pdf" || c.Chunk.Metadata["page"] != i+1 {
				return false
			}
		}
		return true
	})).Return(nil)

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	require.NoError(t, ing.Process(context.Background(), j))

	loader.AssertExpectations(t)
	embedder.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestIngestor_Process_StepOrder(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := newMemoryStore()

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)

	var steps []worker.Step
	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection,
		worker.WithStepObserver(func(_ queue.IngestionJob, s worker.Step) { steps = append(steps, s) }))

	require.NoError(t, ing.Process(context.Background(), testJob()))
	assert.Equal(t, []worker.Step{
		worker.StepReceived,
		worker.StepLoading,
		worker.StepChunking,
		worker.StepEmbedding,
		worker.StepBootstrapping,
		worker.StepUpserting,
		worker.StepCompleted,
	}, steps)
}

func TestIngestor_Process_EmbeddingFailureWritesNothing(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := new(MockVectorStore)

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, "first page text").Return([]float32{0.1, 0.2}, nil)
	embedder.On("Embed", mock.Anything, "second page text").Return(nil, errors.New("provider unavailable"))

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	err := ing.Process(context.Background(), testJob())

	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrEmbedding)
	assert.Equal(t, worker.StepEmbedding, worker.StepOf(err))
	assert.True(t, worker.IsRetryable(err))
	store.AssertNotCalled(t, "EnsureCollection", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestor_Process_InconsistentDimension(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := new(MockVectorStore)

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, "first page text").Return([]float32{0.1, 0.2}, nil)
	embedder.On("Embed", mock.Anything, "second page text").Return([]float32{0.1, 0.2, 0.3}, nil)

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	err := ing.Process(context.Background(), testJob())

	assert.ErrorIs(t, err, worker.ErrEmbedding)
	store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestor_Process_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(l *MockLoader, e *MockEmbedder, s *MockVectorStore)
		wantKind  error
		wantStep  worker.Step
		retryable bool
	}{
		{
			name: "Load Error",
			setup: func(l *MockLoader, e *MockEmbedder, s *MockVectorStore) {
				l.On("Load", mock.Anything, mock.Anything).Return(nil, pdf.ErrNotPDF)
			},
			wantKind:  worker.ErrLoad,
			wantStep:  worker.StepLoading,
			retryable: false,
		},
		{
			name: "No Text",
			setup: func(l *MockLoader, e *MockEmbedder, s *MockVectorStore) {
				l.On("Load", mock.Anything, mock.Anything).Return([]text.Page{{Number: 1, TotalPages: 1, Text: "  \n "}}, nil)
			},
			wantKind:  worker.ErrChunk,
			wantStep:  worker.StepChunking,
			retryable: false,
		},
		{
			name: "Store Bootstrap Error",
			setup: func(l *MockLoader, e *MockEmbedder, s *MockVectorStore) {
				l.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
				e.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
				s.On("EnsureCollection", mock.Anything, collection, 1).Return(errors.New("connection refused"))
			},
			wantKind:  worker.ErrStoreBootstrap,
			wantStep:  worker.StepBootstrapping,
			retryable: true,
		},
		{
			name: "Dimension Mismatch",
			setup: func(l *MockLoader, e *MockEmbedder, s *MockVectorStore) {
				l.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
				e.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
				s.On("EnsureCollection", mock.Anything, collection, 1).Return(vector.ErrDimensionMismatch)
			},
			wantKind:  worker.ErrStoreBootstrap,
			wantStep:  worker.StepBootstrapping,
			retryable: false,
		},
		{
			name: "Upsert Error",
			setup: func(l *MockLoader, e *MockEmbedder, s *MockVectorStore) {
				l.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
				e.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
				s.On("EnsureCollection", mock.Anything, collection, 1).Return(nil)
				s.On("Upsert", mock.Anything, collection, mock.Anything).Return(errors.New("batch rejected"))
				s.On("DeleteDocument", mock.Anything, collection, testJob().Path).Return(nil)
			},
			wantKind:  worker.ErrUpsert,
			wantStep:  worker.StepUpserting,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, e, s := new(MockLoader), new(MockEmbedder), new(MockVectorStore)
			tt.setup(l, e, s)

			var last worker.Step
			ing := worker.NewIngestor(l, text.NewChunker(1000, 200), e, s, collection,
				worker.WithStepObserver(func(_ queue.IngestionJob, st worker.Step) { last = st }))

			err := ing.Process(context.Background(), testJob())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantStep, worker.StepOf(err))
			assert.Equal(t, tt.retryable, worker.IsRetryable(err))
			assert.Equal(t, worker.StepFailed, last)
		})
	}
}

func TestIngestor_Process_RejectedChunkRemovesWholeDocument(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := newMemoryStore()
	store.rejectOrdinal = 1

	job := testJob()
	store.objects["other"] = worker.EmbeddedChunk{Chunk: worker.DocumentChunk{ID: "other", SourcePath: "/tmp/other.pdf"}}

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.5, 0.5}, nil)

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	err := ing.Process(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrUpsert)
	assert.True(t, worker.IsRetryable(err))

	for _, c := range store.objects {
		assert.NotEqual(t, job.Path, c.Chunk.SourcePath)
	}
	assert.Equal(t, 1, store.Len())
}

func TestIngestor_Process_RollbackFailureIsReported(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := new(MockVectorStore)

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	store.On("EnsureCollection", mock.Anything, collection, 1).Return(nil)
	store.On("Upsert", mock.Anything, collection, mock.Anything).Return(errors.New("batch rejected"))
	store.On("DeleteDocument", mock.Anything, collection, testJob().Path).Return(errors.New("shard unavailable"))

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	err := ing.Process(context.Background(), testJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrUpsert)
	assert.Contains(t, err.Error(), "batch rejected")
	assert.Contains(t, err.Error(), "rollback: shard unavailable")
	store.AssertExpectations(t)
}

func TestIngestor_Process_RollbackRunsAfterCancel(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := new(MockVectorStore)

	ctx, cancel := context.WithCancel(context.Background())
	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	store.On("EnsureCollection", mock.Anything, collection, 1).Return(nil)
	store.On("Upsert", mock.Anything, collection, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled)
	store.On("DeleteDocument", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), collection, testJob().Path).Return(nil)

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	err := ing.Process(ctx, testJob())
	require.Error(t, err)
	store.AssertExpectations(t)
}

func TestIngestor_Process_RedeliveryOverwrites(t *testing.T) {
	loader := new(MockLoader)
	embedder := new(MockEmbedder)
	store := newMemoryStore()

	loader.On("Load", mock.Anything, mock.Anything).Return(twoPages(), nil)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.5, 0.5}, nil)

	ing := worker.NewIngestor(loader, text.NewChunker(1000, 200), embedder, store, collection)
	require.NoError(t, ing.Process(context.Background(), testJob()))
	require.NoError(t, ing.Process(context.Background(), testJob()))

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 2, store.ensured)
}

func TestIngestor_Process_RealPDFDeterministicOrdinals(t *testing.T) {
	path := testutils.WritePDF(t, t.TempDir(), "doc.pdf", []string{
		"Alpha section describes the ingestion queue.",
		"Beta section describes retrieval.",
		"Gamma section describes completion.",
	})
	j := queue.IngestionJob{ID: "j", Filename: "doc.pdf", Path: path}

	embedder := new(MockEmbedder)
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1, 0.2, 0.3, 0.4}, nil)

	run := func() map[string]worker.EmbeddedChunk {
		store := newMemoryStore()
		ing := worker.NewIngestor(pdf.NewLoader(), text.NewChunker(1000, 200), embedder, store, collection)
		require.NoError(t, ing.Process(context.Background(), j))
		return store.objects
	}

	first, second := run(), run()
	require.Len(t, first, 3)
	require.Equal(t, len(first), len(second))
	for id, c := range first {
		other, ok := second[id]
		require.True(t, ok, "chunk %s missing on second run", id)
		assert.Equal(t, c.Chunk.Ordinal, other.Chunk.Ordinal)
		assert.Equal(t, c.Chunk.Text, other.Chunk.Text)
		assert.Equal(t, worker.ChunkID(path, c.Chunk.Ordinal), id)
	}
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, worker.ChunkID("/tmp/a.pdf", 0), worker.ChunkID("/tmp/a.pdf", 0))
	assert.NotEqual(t, worker.ChunkID("/tmp/a.pdf", 0), worker.ChunkID("/tmp/a.pdf", 1))
	assert.NotEqual(t, worker.ChunkID("/tmp/a.pdf", 0), worker.ChunkID("/tmp/b.pdf", 0))
}
