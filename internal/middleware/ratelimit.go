package middleware

import (
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a process-wide token bucket limiter.
type RateLimitConfig struct {
	Enabled bool
	// RPS is the sustained refill rate; Burst caps momentary spikes.
	RPS   float64
	Burst int
}

// RateLimitMiddleware enforces a global request rate across all clients.
// Config validation already rejects an enabled limiter without positive RPS
// and burst, so non-positive values here degrade to a no-op.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return passthrough
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			writeRateLimited(w)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func writeRateLimited(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = io.WriteString(w, `{"error":"rate limit exceeded"}`)
}
