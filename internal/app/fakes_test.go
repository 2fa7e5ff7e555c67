package app_test

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"pdfrag/internal/retrieval"
	"pdfrag/internal/worker"
)

// memoryVectorStore keeps upserted chunks in memory and ranks them by
// cosine similarity.
type memoryVectorStore struct {
	mu        sync.Mutex
	dimension map[string]int
	objects   map[string]map[string]worker.EmbeddedChunk
}

func newMemoryVectorStore() *memoryVectorStore {
	return &memoryVectorStore{
		dimension: map[string]int{},
		objects:   map[string]map[string]worker.EmbeddedChunk{},
	}
}

func (s *memoryVectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dimension[name]; !ok {
		s.dimension[name] = dimension
		s.objects[name] = map[string]worker.EmbeddedChunk{}
	}
	return nil
}

func (s *memoryVectorStore) Upsert(ctx context.Context, collection string, chunks []worker.EmbeddedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.objects[collection][c.Chunk.ID] = c
	}
	return nil
}

func (s *memoryVectorStore) DeleteDocument(ctx context.Context, collection, sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.objects[collection] {
		if c.Chunk.SourcePath == sourcePath {
			delete(s.objects[collection], id)
		}
	}
	return nil
}

func (s *memoryVectorStore) Search(ctx context.Context, collection string, vec []float32, k int) ([]retrieval.RetrievedChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []retrieval.RetrievedChunk
	for id, c := range s.objects[collection] {
		out = append(out, retrieval.RetrievedChunk{
			ID:        id,
			Text:      c.Chunk.Text,
			Metadata:  c.Chunk.Metadata,
			Dimension: c.Dimension,
			Score:     cosine(vec, c.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memoryVectorStore) CountChunks(ctx context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[collection]), nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var vocabulary = []string{"postgres", "nsq", "weaviate", "message", "vector"}

// keywordEmbedder counts vocabulary words, which is enough to make
// similarity follow topic.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(vocabulary))
	for i, w := range vocabulary {
		vec[i] = float32(strings.Count(lower, w)) + 0.01
	}
	return vec, nil
}

type echoCompleter struct {
	mu      sync.Mutex
	prompts []retrieval.Prompt
}

func (c *echoCompleter) Complete(ctx context.Context, p retrieval.Prompt) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, p)
	c.mu.Unlock()
	return "answer to: " + p.User, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *capturePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *capturePublisher) last() (string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bodies) == 0 {
		return "", nil
	}
	return p.topics[len(p.topics)-1], p.bodies[len(p.bodies)-1]
}

// responseDelegate records the final response for a message handled
// asynchronously by the ingestion consumer.
type responseDelegate struct {
	done chan string
}

func newDeliveredMessage(body []byte) (*nsq.Message, *responseDelegate) {
	var id nsq.MessageID
	copy(id[:], "e2e0000000000001")
	m := nsq.NewMessage(id, body)
	m.Attempts = 1
	d := &responseDelegate{done: make(chan string, 1)}
	m.Delegate = d
	return m, d
}

func (d *responseDelegate) OnFinish(m *nsq.Message) { d.done <- "finish" }
func (d *responseDelegate) OnRequeue(m *nsq.Message, delay time.Duration, backoff bool) {
	d.done <- "requeue"
}
func (d *responseDelegate) OnTouch(m *nsq.Message) {}
