package httpapi

import (
	"expvar"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qms/branch-queue/internal/logger"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

// LoggingMiddleware writes one access log line per request and carries the
// chi request id into the context for downstream loggers.
func LoggingMiddleware(base *zap.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimiddleware.GetReqID(r.Context())
			ctx := logger.ContextWithRequestID(r.Context(), requestID)
			writer := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(writer, r.WithContext(ctx))

			status := writer.Status()
			if status == 0 {
				status = http.StatusOK
			}
			requestsTotal.Add(1)
			if status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}
			base.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("user_id", r.Header.Get(HeaderUserID)),
				zap.String("request_id", requestID))
		})
	}
}
