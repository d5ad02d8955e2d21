package controller

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/fasket/outbox/internal/service"
	"github.com/fasket/outbox/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routerSecret = "router-secret"

func setupRouter(t *testing.T) (http.Handler, *testutil.MockOutboxRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	repo := testutil.NewMockOutboxRepository()
	replay := service.NewReplayService(repo, &testutil.FakeScheduler{}, testutil.NewFakeClock(now), 100, 500, zerolog.Nop(), metrics)

	r := NewRouter(RouterDeps{
		Health:           NewHealthController(pingOK(), pingOK(), true),
		ReplayService:    replay,
		IdempotencyStore: infraRedis.NewIdempotencyStore(client, time.Hour),
		Metrics:          metrics,
		Gatherer:         reg,
		JWTSecret:        routerSecret,
		Logger:           zerolog.Nop(),
	})
	return r, repo
}

func bearer(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"operator": "ops@fasket"})
	s, err := token.SignedString([]byte(routerSecret))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestRouter_AdminRequiresAuth(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/outbox/events", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox/events", nil)
	req.Header.Set("Authorization", bearer(t))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestRouter_HealthIsPublic(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_BulkReplayIsIdempotent(t *testing.T) {
	r, repo := setupRouter(t)
	dead := testutil.NewEventWithStatus("order.paid", outbox.StatusDead, 5, now.Add(-time.Hour))
	repo.Put(dead)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/outbox/replay", nil)
		req.Header.Set("Authorization", bearer(t))
		req.Header.Set("Idempotency-Key", "bulk-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.JSONEq(t, `{"success":true,"replayed":1}`, first.Body.String())

	// A second replay without the cache would find nothing left to re-arm.
	repo.Put(testutil.NewEventWithStatus("order.paid", outbox.StatusDead, 5, now.Add(-time.Hour)))
	second := send()
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
}

func TestRouter_Metrics(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}
