package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/praxis-labs/conductor/internal/metrics"
)

// statusRecorder captures the response code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics records request counts and latency per route pattern.
func withMetrics(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(pattern, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
	})
}

// withRateLimit sheds load on the submission endpoints.
func withRateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, apiError{
				ErrorKind:         "rate_limited",
				Message:           "request rate exceeds the configured limit",
				SuggestedRecovery: "retry after the Retry-After interval",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
