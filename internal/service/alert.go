package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Alert types raised by the engine itself.
const (
	AlertTypeDeadLetter    = "ops.outbox.dead_letter"
	AlertTypeMisconfigured = "ops.outbox.misconfigured"
	AlertTypeOrderStuck    = "order.stuck"
)

// IsOpsAlertType reports whether events of this type are engine alerts.
// A dead alert event is never alerted on again.
func IsOpsAlertType(eventType string) bool {
	return strings.HasPrefix(eventType, "ops.")
}

// AlertNotifier raises operational alerts.
type AlertNotifier interface {
	// Notify logs, forwards and emits the alert as a durable event.
	Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) error
	// Record logs and forwards only. Used where emitting could feed back on itself.
	Record(ctx context.Context, alertType string, payload map[string]any, dedupeKey string)
}

// OpsAlertSink raises alerts through three channels: an error-level log line,
// an optional forwarder and an outbox event delivered like any other.
type OpsAlertSink struct {
	emitter   EventEmitter
	forwarder AlertForwarder
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewOpsAlertSink builds a sink. forwarder may be nil.
func NewOpsAlertSink(emitter EventEmitter, forwarder AlertForwarder, logger zerolog.Logger, metrics *observability.Metrics) *OpsAlertSink {
	return &OpsAlertSink{
		emitter:   emitter,
		forwarder: forwarder,
		logger:    observability.WithComponent(logger, "ops_alerts"),
		metrics:   metrics,
	}
}

func (s *OpsAlertSink) Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) error {
	s.Record(ctx, alertType, payload, dedupeKey)

	opts := EmitOptions{}
	if dedupeKey != "" {
		opts.DedupeKey = &dedupeKey
	}
	if _, err := s.emitter.Emit(ctx, alertType, payload, opts); err != nil {
		return fmt.Errorf("emit %s alert: %w", alertType, err)
	}
	return nil
}

func (s *OpsAlertSink) Record(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) {
	s.metrics.OpsAlerts.WithLabelValues(alertType).Inc()
	s.logger.Error().
		Str("alert_type", alertType).
		Str("dedupe_key", dedupeKey).
		Fields(payload).
		Msg("ops alert")

	if s.forwarder == nil {
		return
	}
	if err := s.forwarder.ForwardAlert(ctx, alertType, dedupeKey, payload); err != nil {
		s.logger.Warn().Err(err).Str("alert_type", alertType).Msg("alert forward failed")
	}
}
