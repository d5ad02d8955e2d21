package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/config"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(t *testing.T) *outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent("order.created", map[string]any{"order_id": "O1"}, fixedNow)
	require.NoError(t, err)
	key := "auto:order_id=O1"
	e.DedupeKey = &key
	return e
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := config.WebhookConfig{
		URL:                url,
		Secret:             "shh",
		Timeout:            2 * time.Second,
		BreakerMinRequests: 3,
		BreakerOpenTimeout: time.Minute,
	}
	return NewClient(cfg, observability.NewMetrics("test", prometheus.NewRegistry()),
		WithClock(func() time.Time { return fixedNow }))
}

func TestSign_MatchesVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("secret", 1700000000, body)

	assert.Len(t, sig, 64)
	assert.True(t, Verify("secret", 1700000000, body, sig))
	assert.False(t, Verify("secret", 1700000001, body, sig))
	assert.False(t, Verify("other", 1700000000, body, sig))
	assert.False(t, Verify("secret", 1700000000, body, "not-hex"))
}

func TestNewEnvelope(t *testing.T) {
	e := testEvent(t)
	corr := "req-7"
	e.CorrelationID = &corr

	raw, err := NewEnvelope(e, 3).Marshal()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, e.ID.String(), got["event_id"])
	assert.Equal(t, "order.created", got["event_type"])
	assert.Equal(t, "1.0", got["version"])
	assert.Equal(t, "req-7", got["correlation_id"])
	assert.Equal(t, "auto:order_id=O1", got["dedupe_key"])
	assert.Equal(t, float64(3), got["attempt"])
	assert.Equal(t, map[string]any{"order_id": "O1"}, got["data"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got["occurred_at"])
}

func TestNewEnvelope_NullOptionalFields(t *testing.T) {
	e, err := outbox.NewEvent("ping", nil, fixedNow)
	require.NoError(t, err)

	raw, err := NewEnvelope(e, 1).Marshal()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Nil(t, got["correlation_id"])
	assert.Nil(t, got["dedupe_key"])
	assert.Equal(t, map[string]any{}, got["data"])
}

func TestClient_Deliver_SignsRequest(t *testing.T) {
	e := testEvent(t)
	var captured *http.Request
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Deliver(context.Background(), e, 2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.Accepted())
	assert.Equal(t, []byte("ok"), resp.Body)

	require.NotNil(t, captured)
	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "order.created", captured.Header.Get(HeaderEvent))
	assert.Equal(t, e.ID.String(), captured.Header.Get(HeaderEventID))
	assert.Equal(t, "2", captured.Header.Get(HeaderAttempt))
	assert.Equal(t, "1.0", captured.Header.Get(HeaderSpecVersion))

	ts, err := strconv.ParseInt(captured.Header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Unix(), ts)
	assert.True(t, Verify("shh", ts, capturedBody, captured.Header.Get(HeaderSignature)))
}

func TestClient_Deliver_StatusHandling(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		accepted bool
	}{
		{"created", http.StatusCreated, true},
		{"conflict counts as delivered", http.StatusConflict, true},
		{"bad request", http.StatusBadRequest, false},
		{"server error", http.StatusInternalServerError, false},
		{"throttled", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := newTestClient(t, srv.URL).Deliver(context.Background(), testEvent(t), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.accepted, resp.Accepted())
		})
	}
}

func TestClient_Deliver_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Deliver(context.Background(), testEvent(t), 1)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, resp.RetryAfter)
}

func TestClient_Deliver_NotConfigured(t *testing.T) {
	c := NewClient(config.WebhookConfig{URL: "", Secret: "x", Timeout: time.Second}, nil)
	assert.False(t, c.Configured())

	_, err := c.Deliver(context.Background(), testEvent(t), 1)
	assert.ErrorIs(t, err, domainErrors.ErrWebhookNotConfigured)
}

func TestClient_Deliver_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	resp, err := newTestClient(t, url).Deliver(context.Background(), testEvent(t), 1)
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestClient_Deliver_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Deliver(context.Background(), testEvent(t), 1)
		require.NoError(t, err)
	}

	_, err := c.Deliver(context.Background(), testEvent(t), 1)
	assert.ErrorIs(t, err, domainErrors.ErrWebhookUnavailable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"http date", fixedNow.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", fixedNow.Add(-time.Hour).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.value, fixedNow))
		})
	}
}
