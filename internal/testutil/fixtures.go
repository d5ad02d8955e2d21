package testutil

import (
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/google/uuid"
)

// NewTestEvent returns a PENDING event due at createdAt.
func NewTestEvent(eventType string, payload map[string]any, createdAt time.Time) *outbox.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &outbox.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payload,
		Status:    outbox.StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// NewEventWithStatus returns an event already in status after attempts.
func NewEventWithStatus(eventType string, status outbox.Status, attempts int, createdAt time.Time) *outbox.Event {
	e := NewTestEvent(eventType, nil, createdAt)
	e.Status = status
	e.Attempts = attempts
	if !status.IsTerminal() {
		e.NextAttemptAt = TimePtr(createdAt)
	}
	if status == outbox.StatusSent {
		e.SentAt = TimePtr(createdAt)
	}
	return e
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

func StrPtr(s string) *string {
	return &s
}

func UUIDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
