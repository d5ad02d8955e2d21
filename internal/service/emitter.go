package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/fasket/outbox/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EmitOptions are the optional inputs of an emit.
type EmitOptions struct {
	// DedupeKey collapses repeats per event type. When nil a key is derived
	// from well-known payload fields.
	DedupeKey *string
	// NextAttemptAt delays the first delivery. Nil means now.
	NextAttemptAt *time.Time
	// CorrelationID is carried into the envelope untouched.
	CorrelationID *string
}

// EmitResult identifies the event that now represents the emit.
type EmitResult struct {
	ID            uuid.UUID
	NextAttemptAt *time.Time
	// Created is false when an existing event was returned.
	Created bool
}

// Enlistment is the result of an emit inside a caller's transaction.
// Delivery is scheduled automatically when that transaction commits.
type Enlistment struct {
	EmitResult
	emitter  *Emitter
	dueAt    time.Time
	schedule bool
}

// Schedule arms delivery for the enlisted event. It is a no-op when the emit
// matched an already terminal event, and safe to repeat.
func (en *Enlistment) Schedule(ctx context.Context) error {
	if en == nil || !en.schedule {
		return nil
	}
	return en.emitter.scheduleAt(ctx, en.ID, en.dueAt)
}

// EventEmitter is what producers and the alert sink depend on.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) (*EmitResult, error)
}

// Emitter records events durably and arms their delivery.
type Emitter struct {
	repo      outbox.Repository
	txManager TransactionManager
	scheduler Scheduler
	clock     Clock
	logger    zerolog.Logger
	metrics   *observability.Metrics
	retry     retry.Config
}

func NewEmitter(
	repo outbox.Repository,
	txManager TransactionManager,
	scheduler Scheduler,
	clock Clock,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Emitter {
	return &Emitter{
		repo:      repo,
		txManager: txManager,
		scheduler: scheduler,
		clock:     clock,
		logger:    observability.WithComponent(logger, "emitter"),
		metrics:   metrics,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
		},
	}
}

// Emit stores the event and schedules its delivery. Scheduling failures are
// logged, not returned: the row is durable and the recovery sweeper re-arms it.
func (s *Emitter) Emit(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) (*EmitResult, error) {
	e, created, err := s.record(ctx, eventType, payload, opts)
	if err != nil {
		return nil, err
	}
	result := resultFor(e, created)
	if e.Status.IsTerminal() {
		return result, nil
	}
	if err := s.scheduleAt(ctx, e.ID, e.DueAt(s.clock.Now())); err != nil {
		s.logger.Warn().Err(err).
			Str("event_id", e.ID.String()).
			Str("event_type", e.Type).
			Msg("delivery not scheduled; left for recovery sweep")
	}
	return result, nil
}

// EmitEnlisted stores the event through the transaction carried by ctx and
// defers scheduling to the returned Enlistment, so nothing is delivered for a
// transaction that rolls back.
func (s *Emitter) EmitEnlisted(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) (*Enlistment, error) {
	if !s.txManager.InTransaction(ctx) {
		return nil, domainErrors.ErrNotInTransaction
	}
	e, created, err := s.record(ctx, eventType, payload, opts)
	if err != nil {
		return nil, err
	}
	en := &Enlistment{
		EmitResult: *resultFor(e, created),
		emitter:    s,
		dueAt:      e.DueAt(s.clock.Now()),
		schedule:   !e.Status.IsTerminal(),
	}
	s.txManager.AfterCommit(ctx, func(ctx context.Context) {
		if err := en.Schedule(ctx); err != nil {
			s.logger.Warn().Err(err).Str("event_id", en.ID.String()).Msg("post-commit schedule failed; left for recovery sweep")
		}
	})
	return en, nil
}

func (s *Emitter) record(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) (*outbox.Event, bool, error) {
	now := s.clock.Now()
	e, err := outbox.NewEvent(eventType, payload, now)
	if err != nil {
		return nil, false, err
	}
	e.DedupeKey = outbox.EffectiveDedupeKey(opts.DedupeKey, e.Payload)
	e.CorrelationID = opts.CorrelationID
	e.NextAttemptAt = opts.NextAttemptAt

	if e.DedupeKey != nil {
		existing, err := s.repo.FindByDedupeKey(ctx, e.Type, *e.DedupeKey)
		switch {
		case err == nil:
			s.observeExisting(existing)
			return existing, false, nil
		case !errors.Is(err, domainErrors.ErrEventNotFound):
			return nil, false, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	stored, created, err := s.repo.Insert(ctx, e)
	if err != nil {
		return nil, false, fmt.Errorf("insert outbox event: %w", err)
	}
	if !created {
		// Lost a race with a concurrent emitter for the same key.
		s.observeExisting(stored)
		return stored, false, nil
	}

	s.metrics.EventsEmitted.WithLabelValues(stored.Type, "created").Inc()
	s.logger.Debug().
		Str("event_id", stored.ID.String()).
		Str("event_type", stored.Type).
		Msg("event recorded")
	return stored, true, nil
}

func (s *Emitter) observeExisting(e *outbox.Event) {
	result := "deduplicated"
	if e.Status.IsTerminal() {
		result = "terminal"
	}
	s.metrics.EventsEmitted.WithLabelValues(e.Type, result).Inc()
	s.logger.Debug().
		Str("event_id", e.ID.String()).
		Str("event_type", e.Type).
		Str("status", string(e.Status)).
		Msg("emit matched existing event")
}

func (s *Emitter) scheduleAt(ctx context.Context, id uuid.UUID, dueAt time.Time) error {
	delay := dueAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	return retry.Do(ctx, s.retry, func() error {
		return s.scheduler.Schedule(ctx, id, delay)
	})
}

func resultFor(e *outbox.Event, created bool) *EmitResult {
	r := &EmitResult{ID: e.ID, Created: created}
	if !e.Status.IsTerminal() {
		due := e.DueAt(e.CreatedAt)
		r.NextAttemptAt = &due
	}
	return r
}
