package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/config"
	"github.com/fasket/outbox/internal/infrastructure/observability"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Header names. HTTP canonicalizes them on the wire; receivers match case-insensitively.
const (
	HeaderEvent       = "x-fasket-event"
	HeaderEventID     = "x-fasket-id"
	HeaderTimestamp   = "x-fasket-timestamp"
	HeaderSignature   = "x-fasket-signature"
	HeaderAttempt     = "x-fasket-attempt"
	HeaderSpecVersion = "x-fasket-spec-version"
)

const breakerName = "webhook"

// maxBodyRead caps how much of a receiver response is buffered.
const maxBodyRead = 64 << 10

// errServerStatus marks 5xx and 429 responses as breaker failures.
var errServerStatus = errors.New("webhook: receiver error status")

// Response is what the receiver answered.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
	Duration   time.Duration
}

// Accepted reports a 2xx or 409. A 409 means the receiver already has the event.
func (r *Response) Accepted() bool {
	return (r.StatusCode >= 200 && r.StatusCode < 300) || r.StatusCode == http.StatusConflict
}

// Client signs and POSTs envelopes to the configured webhook target.
type Client struct {
	url     string
	secret  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.WebhookConfig, metrics *observability.Metrics, opts ...Option) *Client {
	c := &Client{
		url:    strings.TrimSpace(cfg.URL),
		secret: cfg.Secret,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}

	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			}
		},
	})
	if metrics != nil {
		metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether deliveries can be attempted at all.
func (c *Client) Configured() bool {
	return c.url != "" && c.secret != ""
}

// Deliver POSTs e as the given attempt. A non-nil error means no HTTP
// response was obtained (transport failure, timeout or open breaker).
func (c *Client) Deliver(ctx context.Context, e *outbox.Event, attempt int) (*Response, error) {
	if !c.Configured() {
		return nil, domainErrors.ErrWebhookNotConfigured
	}

	body, err := NewEnvelope(e, attempt).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*Response, error) {
		resp, err := c.post(ctx, e, attempt, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp, errServerStatus
		}
		return resp, nil
	})
	switch {
	case errors.Is(err, errServerStatus):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: circuit %s", domainErrors.ErrWebhookUnavailable, err)
	case err != nil:
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, e *outbox.Event, attempt int, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ts := c.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, e.Type)
	req.Header.Set(HeaderEventID, e.ID.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(c.secret, ts, body))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderSpecVersion, SpecVersion)

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyRead))
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		RetryAfter: ParseRetryAfter(httpResp.Header.Get("Retry-After"), c.now()),
		Duration:   time.Since(start),
	}, nil
}

// ParseRetryAfter reads delay-seconds or an HTTP-date. Unparseable or past
// values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
