package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func setupIdempotencyStore(t *testing.T) *infraRedis.IdempotencyStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return infraRedis.NewIdempotencyStore(client, time.Hour)
}

func countingHandler(status int, body string, calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func post(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/outbox/replay", nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(setupIdempotencyStore(t), zerolog.Nop())(
		countingHandler(http.StatusOK, `{"requeued":3}`, &calls))

	first := post(h, "replay-1")
	second := post(h, "replay-1")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))
}

func TestIdempotency_WithoutKeyPassesThrough(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(setupIdempotencyStore(t), zerolog.Nop())(
		countingHandler(http.StatusOK, `{}`, &calls))

	post(h, "")
	post(h, "")

	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_ServerErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(setupIdempotencyStore(t), zerolog.Nop())(
		countingHandler(http.StatusInternalServerError, `{"success":false}`, &calls))

	post(h, "replay-2")
	w := post(h, "replay-2")

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, w.Header().Get("X-Idempotency-Replayed"))
}

func TestIdempotency_ClientErrorsAreCached(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(setupIdempotencyStore(t), zerolog.Nop())(
		countingHandler(http.StatusBadRequest, `{"success":false}`, &calls))

	post(h, "replay-3")
	w := post(h, "replay-3")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*infraRedis.IdempotentResponse, error) {
	return nil, errors.New("redis down")
}

func (failingStore) Set(context.Context, string, *infraRedis.IdempotentResponse) error {
	return errors.New("redis down")
}

func TestIdempotency_FailsOpen(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(failingStore{}, zerolog.Nop())(
		countingHandler(http.StatusOK, `{}`, &calls))

	w := post(h, "replay-4")
	post(h, "replay-4")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), calls.Load())
}
