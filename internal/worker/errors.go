package worker

import (
	"errors"
	"fmt"

	"pdfrag/internal/queue"
	"pdfrag/internal/vector"
)

var (
	ErrLoad           = errors.New("load error")
	ErrChunk          = errors.New("chunk error")
	ErrEmbedding      = errors.New("embedding error")
	ErrStoreBootstrap = errors.New("store bootstrap error")
	ErrUpsert         = errors.New("upsert error")
)

// IngestionError is the terminal Failed state of a job: the step that failed,
// the error kind and the underlying cause.
type IngestionError struct {
	Step Step
	Kind error
	Err  error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed at %s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *IngestionError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindName is the short label recorded on dead-lettered jobs.
func KindName(err error) string {
	switch {
	case errors.Is(err, queue.ErrDecode):
		return "decode"
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrChunk):
		return "chunk"
	case errors.Is(err, ErrEmbedding):
		return "embedding"
	case errors.Is(err, ErrStoreBootstrap):
		return "store_bootstrap"
	case errors.Is(err, ErrUpsert):
		return "upsert"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether redelivering the job can succeed. Bad input is
// never retried; provider and store failures are.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, queue.ErrDecode),
		errors.Is(err, ErrLoad),
		errors.Is(err, ErrChunk),
		errors.Is(err, vector.ErrDimensionMismatch):
		return false
	default:
		return true
	}
}

// StepOf returns the step recorded on err, or StepReceived when err did not
// come out of the state machine.
func StepOf(err error) Step {
	var ie *IngestionError
	if errors.As(err, &ie) {
		return ie.Step
	}
	return StepReceived
}
