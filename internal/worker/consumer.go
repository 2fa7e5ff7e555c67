package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/panjf2000/ants/v2"

	"pdfrag/features/job"
	"pdfrag/internal/middleware"
	"pdfrag/internal/queue"
)

const deadLetterHandler = "ingestion-worker"

type Processor interface {
	Process(ctx context.Context, job queue.IngestionJob) error
}

// DeadLetterStore receives jobs that will not be redelivered.
type DeadLetterStore interface {
	Save(ctx context.Context, j *job.Job) error
}

// IngestionConsumer feeds NSQ messages into a bounded worker pool. When the
// pool is full the message goes back to nsqd instead of piling up in memory.
type IngestionConsumer struct {
	processor         Processor
	deadLetters       DeadLetterStore
	pool              *ants.Pool
	maxAttempts       uint16
	backpressureDelay time.Duration
	jobTimeout        time.Duration
	touchInterval     time.Duration

	// base is cancelled when the consumer shuts down so in-flight jobs stop.
	base   context.Context
	cancel context.CancelFunc

	// bounced counts deliveries of a message that the pool turned away.
	// nsqd counts those as attempts too.
	mu      sync.Mutex
	bounced map[nsq.MessageID]uint16
}

type ConsumerOption func(*IngestionConsumer)

func WithMaxAttempts(n int) ConsumerOption {
	return func(c *IngestionConsumer) {
		if n > 0 {
			c.maxAttempts = uint16(n)
		}
	}
}

func WithBackpressureDelay(d time.Duration) ConsumerOption {
	return func(c *IngestionConsumer) { c.backpressureDelay = d }
}

func WithJobTimeout(d time.Duration) ConsumerOption {
	return func(c *IngestionConsumer) {
		if d > 0 {
			c.jobTimeout = d
		}
	}
}

// WithTouchInterval sets how often an in-flight message is touched so nsqd
// does not redeliver it while a long document is still being processed.
func WithTouchInterval(d time.Duration) ConsumerOption {
	return func(c *IngestionConsumer) {
		if d > 0 {
			c.touchInterval = d
		}
	}
}

func NewIngestionConsumer(p Processor, dl DeadLetterStore, concurrency int, opts ...ConsumerOption) (*IngestionConsumer, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	pool, err := ants.NewPool(concurrency, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	base, cancel := context.WithCancel(context.Background())
	c := &IngestionConsumer{
		base:              base,
		cancel:            cancel,
		processor:         p,
		deadLetters:       dl,
		pool:              pool,
		maxAttempts:       5,
		backpressureDelay: time.Second,
		jobTimeout:        10 * time.Minute,
		touchInterval:     30 * time.Second,
		bounced:           make(map[nsq.MessageID]uint16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleMessage hands m to the pool and returns immediately. The message is
// finished or requeued by the pool worker.
func (c *IngestionConsumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	if err := c.pool.Submit(func() { c.handle(m) }); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			slog.Warn("ingestion pool saturated, requeueing", "running", c.pool.Running(), "delay", c.backpressureDelay)
		} else {
			slog.Error("failed to schedule ingestion job", "error", err)
		}
		c.mu.Lock()
		c.bounced[m.ID]++
		c.mu.Unlock()
		m.RequeueWithoutBackoff(c.backpressureDelay)
	}
	return nil
}

// Running reports the number of jobs currently being processed.
func (c *IngestionConsumer) Running() int {
	return c.pool.Running()
}

// attempts is the number of times m was actually processed, including this
// one.
func (c *IngestionConsumer) attempts(m *nsq.Message) uint16 {
	c.mu.Lock()
	skipped := c.bounced[m.ID]
	c.mu.Unlock()
	if skipped >= m.Attempts {
		return 1
	}
	return m.Attempts - skipped
}

func (c *IngestionConsumer) forget(m *nsq.Message) {
	c.mu.Lock()
	delete(c.bounced, m.ID)
	c.mu.Unlock()
}

// Close waits up to timeout for in-flight jobs to finish. Jobs still running
// after that are cancelled and requeued.
func (c *IngestionConsumer) Close(timeout time.Duration) error {
	err := c.pool.ReleaseTimeout(timeout)
	c.cancel()
	if err == nil {
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.pool.Running() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("ingestion consumer: %d jobs cancelled on shutdown: %w", c.pool.Running(), err)
}

// Shutdown stops intake by calling stop and drains the pool at the same time.
// stopped must close once the source has seen a response for every message it
// delivered; jobs that outlive grace are cancelled and requeued, which
// unblocks it.
func (c *IngestionConsumer) Shutdown(stop func(), stopped <-chan int, grace time.Duration) error {
	drained := make(chan error, 1)
	go func() { drained <- c.Close(grace) }()

	stop()
	<-stopped
	return <-drained
}

func (c *IngestionConsumer) handle(m *nsq.Message) {
	ctx := c.base

	j, err := queue.Decode(m.Body)
	if err != nil {
		ctx = middleware.WithCorrelationID(ctx, string(m.ID[:]))
		slog.ErrorContext(ctx, "dropping malformed ingestion job", "error", err, "attempts", m.Attempts)
		c.deadLetter(ctx, m, j, err)
		return
	}
	if j.ID == "" {
		j.ID = string(m.ID[:])
	}
	if j.CorrelationID == "" {
		j.CorrelationID = j.ID
	}
	ctx = middleware.WithCorrelationID(ctx, j.CorrelationID)
	ctx = middleware.WithJobID(ctx, j.ID)

	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	stopTouch := c.keepAlive(ctx, m)
	err = c.process(ctx, j)
	stopTouch()

	if err == nil {
		c.forget(m)
		m.Finish()
		return
	}

	if c.base.Err() != nil {
		slog.WarnContext(ctx, "ingestion job interrupted by shutdown, requeueing", "filename", j.Filename)
		m.Requeue(-1)
		return
	}

	retryable := IsRetryable(err)
	attempts := c.attempts(m)
	slog.ErrorContext(ctx, "ingestion job failed",
		"error", err,
		"filename", j.Filename,
		"step", StepOf(err).String(),
		"kind", KindName(err),
		"attempts", attempts,
		"deliveries", m.Attempts,
		"retryable", retryable)

	if retryable && attempts < c.maxAttempts {
		m.Requeue(-1)
		return
	}
	c.deadLetter(ctx, m, j, err)
}

func (c *IngestionConsumer) process(ctx context.Context, j queue.IngestionJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()
	return c.processor.Process(ctx, j)
}

// deadLetter records the job and acknowledges the message. If the record
// cannot be written the message is requeued so the job is not lost.
func (c *IngestionConsumer) deadLetter(ctx context.Context, m *nsq.Message, j queue.IngestionJob, cause error) {
	jobID := j.ID
	if jobID == "" {
		jobID = string(m.ID[:])
	}
	failed := &job.Job{
		JobID:    jobID,
		Filename: j.Filename,
		Step:     StepOf(cause).String(),
		Kind:     KindName(cause),
		Handler:  deadLetterHandler,
		Payload:  job.PayloadFromBody(m.Body),
		Error:    cause.Error(),
		Attempts: int(c.attempts(m)),
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.deadLetters.Save(saveCtx, failed); err != nil {
		slog.ErrorContext(ctx, "failed to dead-letter job, requeueing", "error", err, "job_id", jobID)
		m.Requeue(-1)
		return
	}
	c.forget(m)
	m.Finish()
}

func (c *IngestionConsumer) keepAlive(ctx context.Context, m *nsq.Message) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Touch()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}
