package middleware

import (
	"bytes"
	"context"
	"net/http"

	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/rs/zerolog"
)

const maxIdempotencyBodySize = 1 << 20

// IdempotencyStore caches responses by Idempotency-Key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*infraRedis.IdempotentResponse, error)
	Set(ctx context.Context, key string, resp *infraRedis.IdempotentResponse) error
}

// Idempotency replays the cached response for a repeated Idempotency-Key.
// Requests without the header pass through. Store outages fail open.
func Idempotency(store IdempotencyStore, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			cached, err := store.Get(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
			}
			if cached != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write([]byte(cached.Body))
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			// 5xx responses are not cached so the client may retry.
			if rec.statusCode < 500 && !rec.bodyTruncated {
				err := store.Set(r.Context(), key, &infraRedis.IdempotentResponse{
					Status: rec.statusCode,
					Body:   rec.body.String(),
				})
				if err != nil {
					logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency store failed")
				}
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
