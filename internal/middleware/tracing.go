package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Tracing starts a server span per request. otelhttp names the span again
// once the handler returns, by which time chi has resolved the route, so the
// final name is "METHOD /route/{pattern}" rather than the raw path.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "outbox-admin",
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

func spanName(_ string, r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return fmt.Sprintf("%s %s", r.Method, pattern)
		}
	}
	return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
}
