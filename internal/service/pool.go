package service

import (
	"context"
	"time"

	"github.com/fasket/outbox/internal/infrastructure/observability"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// contendedDelay re-arms a job whose event lock is held elsewhere.
const contendedDelay = 5 * time.Second

// EventLocker serializes work on a single event across workers.
type EventLocker interface {
	TryLock(ctx context.Context, name string) (*infraRedis.Lock, bool, error)
}

// JobHandler handles one delivery job.
type JobHandler interface {
	Handle(ctx context.Context, id uuid.UUID) Outcome
}

// DeliveryPool drains due jobs from the queue with bounded concurrency.
type DeliveryPool struct {
	queue        JobQueue
	handler      JobHandler
	locker       EventLocker
	batchSize    int
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewDeliveryPool(
	queue JobQueue,
	handler JobHandler,
	locker EventLocker,
	batchSize, concurrency int,
	pollInterval time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *DeliveryPool {
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &DeliveryPool{
		queue:        queue,
		handler:      handler,
		locker:       locker,
		batchSize:    batchSize,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       observability.WithComponent(logger, "delivery_pool"),
		metrics:      metrics,
	}
}

// WithJobTimeout bounds a single job, including its bookkeeping. Jobs are
// detached from the poll context, so this is the only limit on how long a
// shutdown waits for in-flight deliveries.
func (p *DeliveryPool) WithJobTimeout(d time.Duration) *DeliveryPool {
	p.jobTimeout = d
	return p
}

// RunOnce pops one batch of due jobs and handles them. It returns how many
// jobs were popped.
func (p *DeliveryPool) RunOnce(ctx context.Context) (int, error) {
	ids, err := p.queue.PopDue(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			p.process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), nil
}

func (p *DeliveryPool) process(ctx context.Context, id uuid.UUID) {
	// A popped job runs to completion even when ctx is cancelled; cancelling
	// only stops new pops.
	jobCtx := context.WithoutCancel(ctx)
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, p.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("event_id", id.String()).
				Interface("panic", r).
				Msg("delivery job panicked")
			p.metrics.DeliveryAttempts.WithLabelValues("unknown", string(OutcomeError)).Inc()
			if err := p.queue.Schedule(context.WithoutCancel(ctx), id, recoveryDelay); err != nil {
				p.logger.Warn().Err(err).Str("event_id", id.String()).Msg("requeue panicked job")
			}
		}
	}()

	lock, ok, err := p.locker.TryLock(jobCtx, id.String())
	if err != nil || !ok {
		if err != nil {
			p.logger.Warn().Err(err).Str("event_id", id.String()).Msg("event lock unavailable")
		}
		if err := p.queue.Schedule(jobCtx, id, contendedDelay); err != nil {
			p.logger.Warn().Err(err).Str("event_id", id.String()).Msg("requeue contended job")
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			p.logger.Debug().Err(err).Str("event_id", id.String()).Msg("release event lock")
		}
	}()

	p.handler.Handle(jobCtx, id)
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so a backlog drains without waiting for the ticker.
func (p *DeliveryPool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("batch_size", p.batchSize).
		Int("concurrency", p.concurrency).
		Msg("delivery pool started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		n, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("poll dispatch queue")
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			p.metrics.QueueDepth.Set(float64(depth))
		}
		if n == p.batchSize && err == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("delivery pool stopped")
			return nil
		case <-ticker.C:
		}
	}
}
