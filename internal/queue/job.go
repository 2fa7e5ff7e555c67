package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode marks a queue payload that can never be processed, no matter how
// often it is redelivered.
var ErrDecode = errors.New("malformed ingestion job")

// IngestionJob is the descriptor the upload handler enqueues for every stored
// PDF. ID is assigned by the queue side and is distinct from Filename.
type IngestionJob struct {
	ID            string    `json:"job_id,omitempty"`
	Filename      string    `json:"filename"`
	Destination   string    `json:"destination,omitempty"`
	Path          string    `json:"path"`
	EnqueuedAt    time.Time `json:"enqueued_at,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Encode serialises job as a JSON object, or as a JSON string holding that
// object when stringPayload is set (the legacy producer format).
func Encode(job IngestionJob, stringPayload bool) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if !stringPayload {
		return body, nil
	}
	return json.Marshal(string(body))
}

// Decode parses a queue message body into an IngestionJob. Both the object
// form and the JSON-string-encoded form are accepted; anything else is a
// *DecodeError.
func Decode(body []byte) (IngestionJob, error) {
	var job IngestionJob

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return job, &DecodeError{Reason: "empty body"}
	}

	if body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return job, &DecodeError{Reason: "invalid string payload", Err: err}
		}
		body = bytes.TrimSpace([]byte(inner))
	}

	if len(body) == 0 || body[0] != '{' {
		return job, &DecodeError{Reason: "payload is not a JSON object"}
	}

	if err := json.Unmarshal(body, &job); err != nil {
		return IngestionJob{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	if job.Path == "" {
		return IngestionJob{}, &DecodeError{Reason: "missing path"}
	}
	if job.Filename == "" {
		return IngestionJob{}, &DecodeError{Reason: "missing filename"}
	}
	return job, nil
}
