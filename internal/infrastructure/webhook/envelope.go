package webhook

import (
	"encoding/json"
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
)

// SpecVersion is sent in x-fasket-spec-version and as the envelope version.
const SpecVersion = "1.0"

// Envelope is the JSON body POSTed to the receiver.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	OccurredAt    string         `json:"occurred_at"`
	CorrelationID *string        `json:"correlation_id"`
	Version       string         `json:"version"`
	DedupeKey     *string        `json:"dedupe_key"`
	Attempt       int            `json:"attempt"`
	Data          map[string]any `json:"data"`
}

// NewEnvelope wraps e for delivery as the given 1-based attempt.
func NewEnvelope(e *outbox.Event, attempt int) Envelope {
	data := e.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		EventID:       e.ID.String(),
		EventType:     e.Type,
		OccurredAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		Version:       SpecVersion,
		DedupeKey:     e.DedupeKey,
		Attempt:       attempt,
		Data:          data,
	}
}

func (env Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}
