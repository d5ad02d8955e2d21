package service

import (
	"time"

	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}
