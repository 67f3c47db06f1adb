// Package middleware provides the HTTP middleware chain: CORS, tracing,
// metrics, rate limiting and session auth.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// TraceHeader carries the request trace ID.
const TraceHeader = "X-Trace-ID"

type contextKey string

const traceKey contextKey = "trace-id"

// Tracing assigns each request a trace ID, honoring one supplied by the
// caller, and echoes it on the response.
func Tracing() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			w.Header().Set(TraceHeader, traceID)
			ctx := context.WithValue(r.Context(), traceKey, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TraceID extracts the request trace ID from a context.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey).(string)
	return id
}
