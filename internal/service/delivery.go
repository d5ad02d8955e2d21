package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/fasket/outbox/internal/infrastructure/webhook"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what a single delivery job did.
type Outcome string

const (
	OutcomeMissing       Outcome = "missing"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeMisconfigured Outcome = "misconfigured"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeSent          Outcome = "sent"
	OutcomeRetry         Outcome = "retry"
	OutcomeDead          Outcome = "dead"
	OutcomeError         Outcome = "error"
)

// recoveryDelay re-arms a job whose bookkeeping failed.
const recoveryDelay = time.Minute

// DeliveryDeps wires a DeliveryWorker.
type DeliveryDeps struct {
	Repo           outbox.Repository
	Scheduler      Scheduler
	Sender         WebhookSender
	Policy         *RetryPolicy
	Limiter        *AlertLimiter
	Alerts         AlertNotifier
	DeadLetters    DeadLetterSink // optional
	MisconfigRetry time.Duration
	Clock          Clock
	Logger         zerolog.Logger
	Metrics        *observability.Metrics
}

// DeliveryWorker runs the per-event delivery state machine.
type DeliveryWorker struct {
	repo           outbox.Repository
	scheduler      Scheduler
	sender         WebhookSender
	policy         *RetryPolicy
	limiter        *AlertLimiter
	alerts         AlertNotifier
	deadLetters    DeadLetterSink
	misconfigRetry time.Duration
	clock          Clock
	logger         zerolog.Logger
	metrics        *observability.Metrics
}

func NewDeliveryWorker(deps DeliveryDeps) *DeliveryWorker {
	if deps.Policy == nil {
		deps.Policy = DefaultRetryPolicy()
	}
	if deps.MisconfigRetry <= 0 {
		deps.MisconfigRetry = 15 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	return &DeliveryWorker{
		repo:           deps.Repo,
		scheduler:      deps.Scheduler,
		sender:         deps.Sender,
		policy:         deps.Policy,
		limiter:        deps.Limiter,
		alerts:         deps.Alerts,
		deadLetters:    deps.DeadLetters,
		misconfigRetry: deps.MisconfigRetry,
		clock:          deps.Clock,
		logger:         observability.WithComponent(deps.Logger, "delivery"),
		metrics:        deps.Metrics,
	}
}

// Handle processes one delivery job for id. Callers must hold the per-event
// lock so a single event is never delivered concurrently.
func (w *DeliveryWorker) Handle(ctx context.Context, id uuid.UUID) Outcome {
	ctx, span := observability.Tracer().Start(ctx, "outbox.deliver",
		trace.WithAttributes(attribute.String("outbox.event_id", id.String())))
	defer span.End()

	outcome, eventType := w.handle(ctx, id)
	span.SetAttributes(attribute.String("outbox.outcome", string(outcome)))
	if outcome == OutcomeError {
		span.SetStatus(codes.Error, "delivery bookkeeping failed")
	}
	if eventType != "" {
		w.metrics.DeliveryAttempts.WithLabelValues(eventType, string(outcome)).Inc()
	}
	return outcome
}

func (w *DeliveryWorker) handle(ctx context.Context, id uuid.UUID) (Outcome, string) {
	log := observability.WithTrace(ctx, w.logger).With().Str("event_id", id.String()).Logger()

	e, err := w.repo.FindByID(ctx, id)
	if errors.Is(err, domainErrors.ErrEventNotFound) {
		log.Warn().Msg("job for unknown event dropped")
		return OutcomeMissing, ""
	}
	if err != nil {
		log.Error().Err(err).Msg("load event")
		w.reschedule(ctx, id, recoveryDelay)
		return OutcomeError, ""
	}
	log = log.With().Str("event_type", e.Type).Int("attempts", e.Attempts).Logger()

	if e.Status.IsTerminal() {
		log.Debug().Str("status", string(e.Status)).Msg("terminal event skipped")
		return OutcomeSkipped, e.Type
	}

	now := w.clock.Now()
	if !w.sender.Configured() {
		return w.misconfigured(ctx, log, e, now), e.Type
	}

	if !e.IsDue(now) {
		delay := e.DueAt(now).Sub(now)
		w.reschedule(ctx, e.ID, delay)
		log.Debug().Dur("delay", delay).Msg("event not due yet")
		return OutcomeDeferred, e.Type
	}

	attempt := e.NextAttemptNumber()
	resp, sendErr := w.sender.Deliver(ctx, e, attempt)
	at := w.clock.Now()

	res := outbox.AttemptResult{Attempt: attempt, Err: sendErr, At: at}
	if resp != nil {
		status := resp.StatusCode
		res.HTTPStatus = &status
		res.Body = resp.Body
		w.metrics.DeliveryDuration.WithLabelValues(e.Type).Observe(resp.Duration.Seconds())
	}

	if sendErr == nil && resp.Accepted() {
		return w.sent(ctx, log, e, res), e.Type
	}
	return w.failed(ctx, log, e, res, resp), e.Type
}

func (w *DeliveryWorker) misconfigured(ctx context.Context, log zerolog.Logger, e *outbox.Event, now time.Time) Outcome {
	next := now.Add(w.misconfigRetry)
	if err := e.MarkMisconfigured(now, next); err != nil {
		log.Error().Err(err).Msg("mark misconfigured")
		return OutcomeError
	}
	if err := w.repo.Update(ctx, e); err != nil {
		log.Error().Err(err).Msg("persist misconfigured event")
		w.reschedule(ctx, e.ID, w.misconfigRetry)
		return OutcomeError
	}
	w.reschedule(ctx, e.ID, w.misconfigRetry)
	log.Warn().Time("next_attempt_at", next).Msg("webhook target not configured")

	if w.limiter == nil || w.limiter.Allow(AlertTypeMisconfigured) {
		payload := map[string]any{
			"reason":     outbox.MisconfiguredError,
			"event_id":   e.ID.String(),
			"event_type": e.Type,
		}
		key := fmt.Sprintf("ops:outbox_misconfigured:%s", now.Truncate(time.Hour).Format(time.RFC3339))
		if err := w.alerts.Notify(ctx, AlertTypeMisconfigured, payload, key); err != nil {
			log.Error().Err(err).Msg("raise misconfiguration alert")
			if w.limiter != nil {
				w.limiter.Reset(AlertTypeMisconfigured)
			}
		}
	} else {
		w.metrics.AlertsDropped.WithLabelValues(AlertTypeMisconfigured).Inc()
	}
	return OutcomeMisconfigured
}

func (w *DeliveryWorker) sent(ctx context.Context, log zerolog.Logger, e *outbox.Event, res outbox.AttemptResult) Outcome {
	if err := e.MarkSent(res); err != nil {
		log.Error().Err(err).Msg("mark sent")
		return OutcomeError
	}
	if err := w.repo.Update(ctx, e); err != nil {
		// The receiver has it; a redelivery after recovery is tolerated.
		log.Error().Err(err).Msg("persist sent event")
		w.reschedule(ctx, e.ID, recoveryDelay)
		return OutcomeError
	}
	log.Info().Int("attempt", res.Attempt).Int("http_status", *res.HTTPStatus).Msg("event delivered")
	return OutcomeSent
}

func (w *DeliveryWorker) failed(ctx context.Context, log zerolog.Logger, e *outbox.Event, res outbox.AttemptResult, resp *webhook.Response) Outcome {
	delay, retry := w.policy.Next(e.LadderPosition(res.Attempt))
	if !retry {
		return w.dead(ctx, log, e, res)
	}
	if resp != nil && resp.RetryAfter > delay {
		delay = resp.RetryAfter
	}

	next := res.At.Add(delay)
	if err := e.MarkFailed(res, next); err != nil {
		log.Error().Err(err).Msg("mark failed")
		return OutcomeError
	}
	if err := w.repo.Update(ctx, e); err != nil {
		log.Error().Err(err).Msg("persist failed attempt")
		w.reschedule(ctx, e.ID, recoveryDelay)
		return OutcomeError
	}
	w.reschedule(ctx, e.ID, delay)

	evt := log.Warn().Int("attempt", res.Attempt).Time("next_attempt_at", next)
	if res.HTTPStatus != nil {
		evt = evt.Int("http_status", *res.HTTPStatus)
	}
	evt.Str("last_error", *e.LastError).Msg("delivery failed, retry scheduled")
	return OutcomeRetry
}

func (w *DeliveryWorker) dead(ctx context.Context, log zerolog.Logger, e *outbox.Event, res outbox.AttemptResult) Outcome {
	if err := e.MarkDead(res); err != nil {
		log.Error().Err(err).Msg("mark dead")
		return OutcomeError
	}
	if err := w.repo.Update(ctx, e); err != nil {
		log.Error().Err(err).Msg("persist dead event")
		w.reschedule(ctx, e.ID, recoveryDelay)
		return OutcomeError
	}
	w.metrics.DeadLetters.WithLabelValues(e.Type).Inc()
	log.Error().Int("attempt", res.Attempt).Str("last_error", *e.LastError).Msg("event dead-lettered")

	if w.deadLetters != nil {
		if err := w.deadLetters.PublishDeadLetter(ctx, e); err != nil {
			log.Warn().Err(err).Msg("publish dead letter")
		}
	}

	payload := deadLetterAlert(e)
	// Each replay cycle moves AttemptBase, so a re-dead event alerts again.
	key := fmt.Sprintf("ops:outbox_dead:%s:%d", e.ID, e.AttemptBase)
	if IsOpsAlertType(e.Type) {
		w.alerts.Record(ctx, AlertTypeDeadLetter, payload, key)
		return OutcomeDead
	}
	if err := w.alerts.Notify(ctx, AlertTypeDeadLetter, payload, key); err != nil {
		log.Error().Err(err).Msg("raise dead-letter alert")
	}
	return OutcomeDead
}

func (w *DeliveryWorker) reschedule(ctx context.Context, id uuid.UUID, delay time.Duration) {
	if err := w.scheduler.Schedule(ctx, id, delay); err != nil {
		w.logger.Warn().Err(err).Str("event_id", id.String()).Msg("reschedule failed; left for recovery sweep")
	}
}

func deadLetterAlert(e *outbox.Event) map[string]any {
	payload := map[string]any{
		"event_id":   e.ID.String(),
		"event_type": e.Type,
		"attempts":   e.Attempts,
	}
	if e.LastError != nil {
		payload["last_error"] = *e.LastError
	}
	if e.LastHTTPStatus != nil {
		payload["last_http_status"] = *e.LastHTTPStatus
	}
	if e.DedupeKey != nil {
		payload["dedupe_key"] = *e.DedupeKey
	}
	if e.CorrelationID != nil {
		payload["correlation_id"] = *e.CorrelationID
	}
	return payload
}
