package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// RecoverySweeper re-arms due events that lost their queue job, for example
// when scheduling failed after commit or the queue was flushed.
type RecoverySweeper struct {
	repo      outbox.Repository
	scheduler Scheduler
	clock     Clock
	grace     time.Duration
	batch     int
	interval  time.Duration
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewRecoverySweeper(
	repo outbox.Repository,
	scheduler Scheduler,
	clock Clock,
	grace time.Duration,
	batch int,
	interval time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *RecoverySweeper {
	if batch <= 0 {
		batch = 200
	}
	return &RecoverySweeper{
		repo:      repo,
		scheduler: scheduler,
		clock:     clock,
		grace:     grace,
		batch:     batch,
		interval:  interval,
		logger:    observability.WithComponent(logger, "recovery_sweeper"),
		metrics:   metrics,
	}
}

// SweepOnce schedules every event overdue by more than the grace period.
// Scheduling is idempotent per id, so events that still have a job are harmless.
func (s *RecoverySweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.grace)
	events, err := s.repo.FindDue(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("find overdue events: %w", err)
	}

	rearmed := 0
	for _, e := range events {
		if err := s.scheduler.Schedule(ctx, e.ID, 0); err != nil {
			s.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("re-arm overdue event")
			continue
		}
		rearmed++
	}
	if rearmed > 0 {
		s.metrics.SweepRescheduled.Add(float64(rearmed))
		s.logger.Info().Int("count", rearmed).Msg("re-armed overdue events")
	}
	return rearmed, nil
}

func (s *RecoverySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("recovery sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
