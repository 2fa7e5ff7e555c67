package retrieval

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuery = errors.New("query is empty")
	ErrRetrieval  = errors.New("retrieval failed")
	ErrGeneration = errors.New("generation failed")
)

// RetrievalError wraps a failure to embed the query or search the store.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string { return fmt.Sprintf("%v: %v", ErrRetrieval, e.Err) }

func (e *RetrievalError) Unwrap() []error { return []error{ErrRetrieval, e.Err} }

// GenerationError wraps a failure of the completion provider.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("%v: %v", ErrGeneration, e.Err) }

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }
