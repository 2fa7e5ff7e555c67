package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pdfrag/internal/middleware"
)

var ErrPublishTimeout = errors.New("timeout waiting for NSQ publish")

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Producer struct {
	pub           Publisher
	topic         string
	stringPayload bool
	timeout       time.Duration
	now           func() time.Time
}

type Option func(*Producer)

// WithStringPayloads publishes jobs as JSON-encoded strings for consumers
// that still expect the legacy format.
func WithStringPayloads(enabled bool) Option {
	return func(p *Producer) { p.stringPayload = enabled }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewProducer(pub Publisher, topic string, opts ...Option) *Producer {
	p := &Producer{
		pub:     pub,
		topic:   topic,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue publishes an ingestion job for a stored file and returns the job as
// it was put on the queue.
func (p *Producer) Enqueue(ctx context.Context, filename, destination, path string) (IngestionJob, error) {
	job := IngestionJob{
		ID:          uuid.New().String(),
		Filename:    filename,
		Destination: destination,
		Path:        path,
		EnqueuedAt:  p.now().UTC(),
	}
	if id := middleware.GetCorrelationID(ctx); id != "unknown" {
		job.CorrelationID = id
	}

	body, err := Encode(job, p.stringPayload)
	if err != nil {
		return IngestionJob{}, err
	}

	if err := PublishWithTimeout(ctx, p.pub, p.topic, body, p.timeout); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue ingestion job", "error", err, "filename", filename, "topic", p.topic)
		return IngestionJob{}, err
	}

	slog.InfoContext(ctx, "ingestion job enqueued", "job_id", job.ID, "filename", filename, "path", path)
	return job, nil
}

// PublishWithTimeout bounds a synchronous publish by timeout and ctx.
func PublishWithTimeout(ctx context.Context, pub Publisher, topic string, body []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pub.Publish(topic, body)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
