// Package middleware applies cross-cutting HTTP policies like auth,
// rate limiting, CORS, and request logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"planql/internal/logging"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the correlation ID. An inbound value is reused so
// callers can stitch their own traces together; otherwise a fresh UUID is
// assigned. The ID is always echoed on the response.
const RequestIDHeader = "X-Request-ID"

// LoggingMiddleware binds a request-scoped logger into the context and logs
// request start and completion with the correlation ID attached.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := resolveRequestID(r)
			w.Header().Set(RequestIDHeader, requestID)

			reqLog := logger.WithRequestID(requestID).WithFields(
				slog.String("component", "http"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ctx := logging.WithLogger(r.Context(), reqLog)
			annotateSpan(ctx, requestID)

			reqLog.InfoContext(ctx, "request started", slog.String("remote_addr", r.RemoteAddr))

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Log(ctx, completionLevel(ww.statusCode), "request completed",
				slog.Int("status", ww.statusCode),
				slog.Int64("bytes", ww.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// resolveRequestID reuses an inbound correlation ID or mints a fresh one.
func resolveRequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

// annotateSpan tags the active trace span, if any, with the correlation ID
// so traces and logs can be joined on it.
func annotateSpan(ctx context.Context, requestID string) {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.SetAttributes(attribute.String("http.request_id", requestID))
	}
}

func completionLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// responseWriter captures the status code and body size for logs and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.written {
		return
	}
	rw.written = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK) // no-op once a status is recorded
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}
