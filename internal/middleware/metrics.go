package middleware

import (
	"net/http"
	"time"

	"greenhouse-ops/internal/metrics"
)

func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.ObserveHTTP(r.Method, routePattern(r), wrapped.status, time.Since(started))
		})
	}
}
