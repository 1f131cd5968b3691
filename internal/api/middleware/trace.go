package middleware

import (
	"log/slog"
	"net/http"

	"github.com/applyforge/jobengine/internal/api/shared"
	"github.com/applyforge/jobengine/internal/platform/logger"
)

// NewTraceMiddleware returns middleware that stamps each request with a trace
// ID and places a trace-scoped logger in the request context. Apply it early
// so every downstream handler and service logs with the same correlation ID.
func NewTraceMiddleware(baseLogger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := baseLogger.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
