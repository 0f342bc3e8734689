package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"doctranslate/internal/services"
)

// Topics carried on the bus.
const (
	TopicJobChanged        = "job.changed"
	TopicObjectCreated     = "object.created"
	TopicObjectDeleted     = "object.deleted"
	TopicExternalCompleted = "external.completed"
	TopicExecutionFailed   = "execution.failed"
)

// Event is one record on the bus. Seq is the outbox sequence number and
// orders events globally; ID is stable across redeliveries.
type Event struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"`
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return services.Wrap(services.ErrValidation, "events", "decode "+e.Topic, "", err)
	}
	return nil
}

// NewID returns a lexically sortable event identifier.
func NewID() string {
	return ulid.Make().String()
}

// ObjectEvent is the payload of object.created and object.deleted.
type ObjectEvent struct {
	Key    string            `json:"key"`
	Size   int64             `json:"size,omitempty"`
	ETag   string            `json:"etag,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Completion is the payload of external.completed: an external service
// finished the work identified by (Purpose, Key).
type Completion struct {
	Purpose string          `json:"purpose"`
	Key     string          `json:"key"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecutionFailure is the payload of execution.failed.
type ExecutionFailure struct {
	Execution string `json:"execution"`
	Pipeline  string `json:"pipeline"`
	JobID     string `json:"jobId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}
