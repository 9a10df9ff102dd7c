package middleware

import (
	"net/http"
	"time"

	"planql/internal/observability"
)

// RequestMetricsMiddleware records latency, volume, and in-flight gauges for
// every request passing through it, keyed by URL path.
func RequestMetricsMiddleware(metrics *observability.RequestMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			metrics.IncrementActiveRequests(ctx)
			defer metrics.DecrementActiveRequests(ctx)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r)
			metrics.RecordRequest(ctx, r.URL.Path, rw.statusCode, time.Since(start))
		})
	}
}
