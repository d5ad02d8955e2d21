package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox metrics
	EventsEmitted    *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DeadLetters      *prometheus.CounterVec
	EventsReplayed   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	SweepRescheduled prometheus.Counter

	// Alerting metrics
	OpsAlerts     *prometheus.CounterVec
	StuckOrders   *prometheus.CounterVec
	AlertsDropped *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_emitted_total",
				Help:      "Emit calls by event type and result (created, deduplicated, terminal)",
			},
			[]string{"type", "result"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_delivery_outcomes_total",
				Help:      "Delivery job outcomes by event type",
			},
			[]string{"type", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_delivery_duration_seconds",
				Help:      "Webhook round-trip duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"type"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dead_letters_total",
				Help:      "Events that exhausted the retry ladder",
			},
			[]string{"type"},
		),
		EventsReplayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_replayed_total",
				Help:      "Events re-armed by operator replay",
			},
			[]string{"mode"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_queue_depth",
				Help:      "Jobs waiting in the dispatch queue",
			},
		),
		SweepRescheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_sweep_rescheduled_total",
				Help:      "Due events re-armed by the recovery sweeper",
			},
		),
		OpsAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_alerts_total",
				Help:      "Operational alerts raised by type",
			},
			[]string{"type"},
		),
		StuckOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stuck_orders_detected_total",
				Help:      "Stuck orders detected by status",
			},
			[]string{"status"},
		),
		AlertsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_alerts_rate_limited_total",
				Help:      "Alerts suppressed by the per-type rate limiter",
			},
			[]string{"type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
	}

	factory.MustRegister(
		m.EventsEmitted,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.DeadLetters,
		m.EventsReplayed,
		m.QueueDepth,
		m.SweepRescheduled,
		m.OpsAlerts,
		m.StuckOrders,
		m.AlertsDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
	)

	return m
}
