package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/fasket/outbox/internal/infrastructure/config"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/fasket/outbox/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	tracer   *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout).
		With().Str("service", serviceName).Str("instance_id", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)

	if !cfg.Webhook.Configured() {
		logger.Warn().Msg("Webhook URL or secret missing; deliveries will be held as MISCONFIGURED")
	}

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.shutdownTracer()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	app.Pool = pool
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		app.shutdownTracer()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	app.Redis = redisClient
	logger.Info().Msg("Connected to Redis")

	return app, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	a.shutdownTracer()
}

func (a *App) shutdownTracer() {
	if a.tracer == nil {
		return
	}
	if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
		a.Logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	a.tracer = nil
}
