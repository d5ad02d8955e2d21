package outbox

import (
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/google/uuid"
)

// MaxResponseSnippet bounds the stored receiver response body.
const MaxResponseSnippet = 1024

// MisconfiguredError is recorded as last_error when the webhook target is unset.
const MisconfiguredError = "MISCONFIGURED"

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// IsTerminal reports whether the status can never be delivered again without a replay.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusDead
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Event is a single outbox record.
type Event struct {
	ID                      uuid.UUID
	Type                    string
	Payload                 map[string]any
	Status                  Status
	Attempts                int
	AttemptBase             int
	NextAttemptAt           *time.Time
	DedupeKey               *string
	CorrelationID           *string
	LastError               *string
	LastHTTPStatus          *int
	LastResponseAt          *time.Time
	LastResponseBodySnippet *string
	SentAt                  *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// NewEvent builds a PENDING event. A nil nextAttemptAt means "deliver now".
func NewEvent(eventType string, payload map[string]any, now time.Time) (*Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, domainErrors.ErrInvalidEventType
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsDue reports whether a worker may attempt delivery at now.
func (e *Event) IsDue(now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// DueAt returns when the event becomes deliverable, falling back to now.
func (e *Event) DueAt(now time.Time) time.Time {
	if e.NextAttemptAt == nil {
		return now
	}
	return *e.NextAttemptAt
}

// NextAttemptNumber is the 1-based number of the attempt about to be made.
func (e *Event) NextAttemptNumber() int {
	return e.Attempts + 1
}

// LadderPosition maps an absolute attempt number onto the retry ladder.
// Replays move AttemptBase forward so a re-armed event starts the ladder again.
func (e *Event) LadderPosition(attempt int) int {
	return attempt - e.AttemptBase
}

// AttemptResult carries what a single delivery attempt observed.
type AttemptResult struct {
	Attempt    int
	HTTPStatus *int
	Body       []byte
	Err        error
	At         time.Time
}

func (e *Event) recordAttempt(res AttemptResult) {
	if res.Attempt > e.Attempts {
		e.Attempts = res.Attempt
	}
	e.LastHTTPStatus = res.HTTPStatus
	at := res.At
	e.LastResponseAt = &at
	if len(res.Body) > 0 {
		s := Snippet(res.Body)
		e.LastResponseBodySnippet = &s
	} else {
		e.LastResponseBodySnippet = nil
	}
	e.UpdatedAt = res.At
}

// MarkSent records a successful attempt. SENT is terminal.
func (e *Event) MarkSent(res AttemptResult) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domainErrors.ErrInvalidStateTransition, e.Status, StatusSent)
	}
	e.recordAttempt(res)
	e.Status = StatusSent
	e.NextAttemptAt = nil
	e.LastError = nil
	sentAt := res.At
	e.SentAt = &sentAt
	return nil
}

// MarkFailed records a failed attempt that will be retried at next.
func (e *Event) MarkFailed(res AttemptResult, next time.Time) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domainErrors.ErrInvalidStateTransition, e.Status, StatusFailed)
	}
	e.recordAttempt(res)
	e.Status = StatusFailed
	e.NextAttemptAt = &next
	msg := describeFailure(res)
	e.LastError = &msg
	return nil
}

// MarkDead records the attempt that exhausted the retry ladder.
func (e *Event) MarkDead(res AttemptResult) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domainErrors.ErrInvalidStateTransition, e.Status, StatusDead)
	}
	e.recordAttempt(res)
	e.Status = StatusDead
	e.NextAttemptAt = nil
	msg := describeFailure(res)
	e.LastError = &msg
	return nil
}

// MarkMisconfigured parks the event without counting an attempt.
func (e *Event) MarkMisconfigured(now, next time.Time) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", domainErrors.ErrInvalidStateTransition, e.Status, StatusFailed)
	}
	e.Status = StatusFailed
	e.NextAttemptAt = &next
	msg := MisconfiguredError
	e.LastError = &msg
	e.UpdatedAt = now
	return nil
}

// ResetForReplay re-arms the event for immediate delivery. Attempts are kept.
func (e *Event) ResetForReplay(now time.Time) {
	e.Status = StatusPending
	e.NextAttemptAt = &now
	e.LastError = nil
	e.AttemptBase = e.Attempts
	e.UpdatedAt = now
}

func describeFailure(res AttemptResult) string {
	switch {
	case res.Err != nil:
		return res.Err.Error()
	case res.HTTPStatus != nil:
		return fmt.Sprintf("HTTP %d", *res.HTTPStatus)
	default:
		return "delivery failed"
	}
}

// Snippet truncates a response body to MaxResponseSnippet bytes without
// splitting a UTF-8 sequence.
func Snippet(body []byte) string {
	if len(body) <= MaxResponseSnippet {
		return string(body)
	}
	cut := MaxResponseSnippet
	for cut > 0 && body[cut]&0xC0 == 0x80 {
		cut--
	}
	return string(body[:cut])
}
