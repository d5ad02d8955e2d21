package service

import (
	"context"
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/webhook"
	"github.com/google/uuid"
)

// TransactionManager defines the interface for transaction management.
// Services use this to wrap multiple repository operations in a single transaction.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Otherwise, it is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// InTransaction reports whether ctx carries an open transaction.
	InTransaction(ctx context.Context) bool

	// AfterCommit runs fn once the transaction in ctx commits. It reports
	// false when ctx has no transaction.
	AfterCommit(ctx context.Context, fn func(ctx context.Context)) bool
}

// Scheduler arms a delivery job for an event after delay.
// Scheduling the same id twice keeps a single job.
type Scheduler interface {
	Schedule(ctx context.Context, id uuid.UUID, delay time.Duration) error
}

// JobQueue is the scheduler side the delivery pool consumes.
type JobQueue interface {
	Scheduler
	PopDue(ctx context.Context, limit int) ([]uuid.UUID, error)
	Depth(ctx context.Context) (int64, error)
}

// WebhookSender performs one signed delivery attempt.
type WebhookSender interface {
	Configured() bool
	Deliver(ctx context.Context, e *outbox.Event, attempt int) (*webhook.Response, error)
}

// AlertForwarder pushes alerts to an external channel. Best effort.
type AlertForwarder interface {
	ForwardAlert(ctx context.Context, alertType, dedupeKey string, payload map[string]any) error
}

// DeadLetterSink receives events that exhausted the retry ladder.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, e *outbox.Event) error
}

// Clock is the time source for every service.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = systemClock{}
