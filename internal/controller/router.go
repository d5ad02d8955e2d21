package controller

import (
	"time"

	"github.com/fasket/outbox/internal/infrastructure/config"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	customMW "github.com/fasket/outbox/internal/middleware"
	"github.com/fasket/outbox/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Health           *HealthController
	ReplayService    *service.ReplayService
	IdempotencyStore customMW.IdempotencyStore
	Metrics          *observability.Metrics
	Gatherer         prometheus.Gatherer
	CORSConfig       config.CORSConfig
	JWTSecret        string
	RateLimitRPM     int
	Logger           zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	if deps.Health != nil {
		r.Get("/health", deps.Health.Health)
		r.Get("/health/live", deps.Health.Liveness)
		r.Get("/health/ready", deps.Health.Readiness)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	outboxH := NewOutboxController(deps.ReplayService)

	r.Route("/api/v1/outbox", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret))
		r.Use(customMW.RateLimit(deps.RateLimitRPM))

		r.Get("/events", outboxH.List)
		r.Post("/events/{id}/replay", outboxH.ReplayOne)

		replay := r.With()
		if deps.IdempotencyStore != nil {
			replay = r.With(customMW.Idempotency(deps.IdempotencyStore, deps.Logger))
		}
		replay.Post("/replay", outboxH.ReplayBulk)
	})

	return r
}
