package worker_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/mock"

	"pdfrag/features/job"
	"pdfrag/internal/queue"
	"pdfrag/internal/text"
	"pdfrag/internal/worker"
)

type MockLoader struct{ mock.Mock }

func (m *MockLoader) Load(ctx context.Context, path string) ([]text.Page, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]text.Page), args.Error(1)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	args := m.Called(ctx, name, dimension)
	return args.Error(0)
}

func (m *MockVectorStore) Upsert(ctx context.Context, collection string, chunks []worker.EmbeddedChunk) error {
	args := m.Called(ctx, collection, chunks)
	return args.Error(0)
}

func (m *MockVectorStore) DeleteDocument(ctx context.Context, collection, sourcePath string) error {
	args := m.Called(ctx, collection, sourcePath)
	return args.Error(0)
}

type MockProcessor struct{ mock.Mock }

func (m *MockProcessor) Process(ctx context.Context, j queue.IngestionJob) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

type MockDeadLetters struct{ mock.Mock }

func (m *MockDeadLetters) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

// memoryStore keeps upserted chunks by id, the way the vector database does.
// A non-negative rejectOrdinal makes Upsert store every other chunk of the
// batch and then fail.
type memoryStore struct {
	mu            sync.Mutex
	objects       map[string]worker.EmbeddedChunk
	ensured       int
	rejectOrdinal int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string]worker.EmbeddedChunk), rejectOrdinal: -1}
}

func (s *memoryStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return nil
}

func (s *memoryStore) Upsert(ctx context.Context, collection string, chunks []worker.EmbeddedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rejected := false
	for _, c := range chunks {
		if c.Chunk.Ordinal == s.rejectOrdinal {
			rejected = true
			continue
		}
		s.objects[c.Chunk.ID] = c
	}
	if rejected {
		return fmt.Errorf("batch upsert: 1 of %d objects rejected (ordinals [%d])", len(chunks), s.rejectOrdinal)
	}
	return nil
}

func (s *memoryStore) DeleteDocument(ctx context.Context, collection, sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.objects {
		if c.Chunk.SourcePath == sourcePath {
			delete(s.objects, id)
		}
	}
	return nil
}

func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// messageRecorder is an nsq.MessageDelegate that records how a message was
// answered.
type messageRecorder struct {
	mu        sync.Mutex
	finished  int
	requeued  int
	touched   int
	delay     time.Duration
	backoff   bool
	responded chan struct{}
}

func newMessage(body []byte, attempts uint16) (*nsq.Message, *messageRecorder) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	m.Attempts = attempts
	rec := &messageRecorder{responded: make(chan struct{}, 1)}
	m.Delegate = rec
	return m, rec
}

func (r *messageRecorder) OnFinish(m *nsq.Message) {
	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
	r.responded <- struct{}{}
}

func (r *messageRecorder) OnRequeue(m *nsq.Message, delay time.Duration, backoff bool) {
	r.mu.Lock()
	r.requeued++
	r.delay = delay
	r.backoff = backoff
	r.mu.Unlock()
	r.responded <- struct{}{}
}

func (r *messageRecorder) OnTouch(m *nsq.Message) {
	r.mu.Lock()
	r.touched++
	r.mu.Unlock()
}

func (r *messageRecorder) wait(timeout time.Duration) bool {
	select {
	case <-r.responded:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *messageRecorder) counts() (finished, requeued, touched int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished, r.requeued, r.touched
}
