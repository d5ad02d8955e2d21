package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fasket/outbox/internal/domain/order"
	"github.com/fasket/outbox/internal/infrastructure/config"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const watcherLockName = "stuck_order_watcher"

// StuckOrderWatcher raises an alert for each order sitting in a status longer
// than that status allows. An order alerts at most once per age bucket.
type StuckOrderWatcher struct {
	orders      order.Repository
	alerts      AlertNotifier
	locker      EventLocker // optional
	thresholds  []config.StatusThreshold
	bucketWidth time.Duration
	batch       int
	interval    time.Duration
	clock       Clock
	logger      zerolog.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex
	notified map[string]int // order id -> last bucket alerted
}

func NewStuckOrderWatcher(
	orders order.Repository,
	alerts AlertNotifier,
	locker EventLocker,
	cfg config.WatcherConfig,
	thresholds []config.StatusThreshold,
	clock Clock,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *StuckOrderWatcher {
	bucket := cfg.BucketWidth
	if bucket <= 0 {
		bucket = 15 * time.Minute
	}
	return &StuckOrderWatcher{
		orders:      orders,
		alerts:      alerts,
		locker:      locker,
		thresholds:  thresholds,
		bucketWidth: bucket,
		batch:       cfg.BatchSize,
		interval:    cfg.Interval,
		clock:       clock,
		logger:      observability.WithComponent(logger, "stuck_order_watcher"),
		metrics:     metrics,
		notified:    make(map[string]int),
	}
}

// StuckOrderDedupeKey is the alert dedupe key for an order in an age bucket.
func StuckOrderDedupeKey(orderID string, bucket int) string {
	return fmt.Sprintf("ops:order_stuck:%s:%d", orderID, bucket)
}

// Bucket floors age to the bucket width and returns the bucket index.
func (w *StuckOrderWatcher) Bucket(age time.Duration) int {
	return int(age / w.bucketWidth)
}

// Scan checks every configured status once and returns how many alerts it raised.
func (w *StuckOrderWatcher) Scan(ctx context.Context) (int, error) {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]int)
	raised := 0
	for _, th := range w.thresholds {
		stale, err := w.orders.FindStale(ctx, th.Status, now.Add(-th.Threshold), w.batch)
		if err != nil {
			return raised, fmt.Errorf("find stale %s orders: %w", th.Status, err)
		}

		for _, o := range stale {
			age := o.Age(now)
			bucket := w.Bucket(age)
			seen[o.ID] = bucket
			if last, ok := w.notified[o.ID]; ok && last == bucket {
				continue
			}

			payload := map[string]any{
				"order_id":          o.ID,
				"status":            o.Status,
				"age_minutes":       int(age / time.Minute),
				"threshold_minutes": int(th.Threshold / time.Minute),
				"bucket":            bucket,
				"last_updated_at":   o.UpdatedAt.UTC().Format(time.RFC3339),
			}
			if err := w.alerts.Notify(ctx, AlertTypeOrderStuck, payload, StuckOrderDedupeKey(o.ID, bucket)); err != nil {
				w.logger.Error().Err(err).Str("order_id", o.ID).Msg("raise stuck order alert")
				delete(seen, o.ID)
				continue
			}
			w.metrics.StuckOrders.WithLabelValues(o.Status).Inc()
			raised++
		}
	}

	// Orders that are no longer stale drop out, bounding the memo.
	w.notified = seen
	return raised, nil
}

// Run scans on start and then every interval. With a locker only one replica
// scans per tick.
func (w *StuckOrderWatcher) Run(ctx context.Context) error {
	w.logger.Info().Int("statuses", len(w.thresholds)).Dur("interval", w.interval).Msg("stuck order watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *StuckOrderWatcher) tick(ctx context.Context) {
	if w.locker != nil {
		lock, ok, err := w.locker.TryLock(ctx, watcherLockName)
		if err != nil {
			w.logger.Warn().Err(err).Msg("watcher lock unavailable")
			return
		}
		if !ok {
			return
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	n, err := w.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("stuck order scan failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int("alerts", n).Msg("stuck orders alerted")
	}
}
