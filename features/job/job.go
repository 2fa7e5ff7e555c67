package job

import (
	"encoding/json"
	"time"
)

// Job is a dead-lettered ingestion job. Payload holds the message body as it
// was received so the job can be republished unchanged.
type Job struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Filename  string          `json:"filename"`
	Step      string          `json:"step"`
	Kind      string          `json:"kind"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}

// PayloadFromBody turns a raw queue message into something a JSONB column
// accepts. Bodies that are not valid JSON are stored as a JSON string.
func PayloadFromBody(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}

// Body reverses PayloadFromBody.
func (j *Job) Body() []byte {
	var s string
	if err := json.Unmarshal(j.Payload, &s); err == nil {
		// A string payload may itself be a JSON-string-encoded job.
		if json.Valid([]byte(s)) {
			return j.Payload
		}
		return []byte(s)
	}
	return j.Payload
}
