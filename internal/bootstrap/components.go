package bootstrap

import (
	"fmt"
	"time"

	"github.com/fasket/outbox/internal/infrastructure/config"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/fasket/outbox/internal/infrastructure/webhook"
	"github.com/fasket/outbox/internal/repository/postgres"
	"github.com/fasket/outbox/internal/service"
)

const lockPrefix = "outbox"

// jobBookkeeping is the time a delivery job gets beyond the webhook timeout
// to persist its outcome during shutdown.
const jobBookkeeping = 15 * time.Second

// Components is the fully wired outbox engine shared by the api and worker binaries.
type Components struct {
	Outbox      *postgres.OutboxRepository
	Orders      *postgres.OrderRepository
	TxManager   *postgres.TxManager
	Queue       *infraRedis.DispatchQueue
	Locker      *infraRedis.Locker
	Streams     *infraRedis.StreamProducer
	Idempotency *infraRedis.IdempotencyStore
	Webhook     *webhook.Client

	Emitter  *service.Emitter
	Alerts   *service.OpsAlertSink
	Delivery *service.DeliveryWorker
	Pool     *service.DeliveryPool
	Sweeper  *service.RecoverySweeper
	Watcher  *service.StuckOrderWatcher
	Replay   *service.ReplayService
}

func (a *App) Components() (*Components, error) {
	cfg := a.Config
	clock := service.SystemClock

	thresholds, err := cfg.Watcher.ParseThresholds()
	if err != nil {
		return nil, fmt.Errorf("watcher thresholds: %w", err)
	}

	c := &Components{
		Outbox:      postgres.NewOutboxRepository(a.Pool),
		Orders:      postgres.NewOrderRepository(a.Pool),
		TxManager:   postgres.NewTxManager(a.Pool),
		Queue:       infraRedis.NewDispatchQueue(a.Redis, cfg.Dispatch.QueueKey),
		Locker:      infraRedis.NewLocker(a.Redis, lockPrefix, cfg.Dispatch.LockTTL),
		Streams:     infraRedis.NewStreamProducer(a.Redis, cfg.Alerts.Stream, cfg.Alerts.DeadLetterStream),
		Idempotency: infraRedis.NewIdempotencyStore(a.Redis, cfg.Replay.IdempotencyTTL),
		Webhook:     webhook.NewClient(cfg.Webhook, a.Metrics),
	}

	c.Emitter = service.NewEmitter(c.Outbox, c.TxManager, c.Queue, clock, a.Logger, a.Metrics)

	var forwarder service.AlertForwarder
	var deadLetters service.DeadLetterSink
	if cfg.Alerts.ForwardEnabled {
		forwarder = c.Streams
		deadLetters = c.Streams
	}
	c.Alerts = service.NewOpsAlertSink(c.Emitter, forwarder, a.Logger, a.Metrics)

	c.Delivery = service.NewDeliveryWorker(service.DeliveryDeps{
		Repo:           c.Outbox,
		Scheduler:      c.Queue,
		Sender:         c.Webhook,
		Policy:         service.DefaultRetryPolicy(),
		Limiter:        service.NewAlertLimiter(cfg.Alerts.MisconfigInterval, clock),
		Alerts:         c.Alerts,
		DeadLetters:    deadLetters,
		MisconfigRetry: cfg.Webhook.MisconfigRetry,
		Clock:          clock,
		Logger:         a.Logger,
		Metrics:        a.Metrics,
	})

	c.Pool = service.NewDeliveryPool(c.Queue, c.Delivery, c.Locker,
		cfg.Dispatch.BatchSize, cfg.Dispatch.Concurrency, cfg.Dispatch.PollInterval, a.Logger, a.Metrics).
		WithJobTimeout(cfg.Webhook.Timeout + jobBookkeeping)

	c.Sweeper = service.NewRecoverySweeper(c.Outbox, c.Queue, clock,
		cfg.Dispatch.SweepGrace, cfg.Dispatch.SweepBatch, cfg.Dispatch.SweepInterval, a.Logger, a.Metrics)

	c.Watcher = service.NewStuckOrderWatcher(c.Orders, c.Alerts, c.Locker,
		cfg.Watcher, thresholds, clock, a.Logger, a.Metrics)

	c.Replay = service.NewReplayService(c.Outbox, c.Queue, clock,
		cfg.Replay.DefaultLimit, cfg.Replay.MaxBatch, a.Logger, a.Metrics)

	return c, nil
}

// WatcherEnabled reports whether this process should run the stuck-order scan.
func WatcherEnabled(cfg *config.Config) bool {
	return cfg.Watcher.Enabled && cfg.Watcher.Thresholds != ""
}
