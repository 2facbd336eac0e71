package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/ratelimit"
	"greenhouse-ops/pkg/apierror"
)

type generalLimiter interface {
	AdmitGeneral(ctx context.Context, key string) ratelimit.Decision
}

// RateLimitMiddleware applies the general API limiter. Mounted after
// RequireAuth it keys by principal, otherwise by client address.
type RateLimitMiddleware struct {
	limiter generalLimiter
	metrics *metrics.Metrics
}

func NewRateLimitMiddleware(limiter generalLimiter, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, metrics: m}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + ClientIP(r)
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			key = "user:" + claims.Subject
		}

		d := m.limiter.AdmitGeneral(r.Context(), key)
		SetRateLimitHeaders(w, d)

		if !d.Allowed {
			m.metrics.RateLimited(d.Limiter)
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = jsonEncode(w, model.APIResponse{
				Success: false,
				Error: &model.APIError{
					Code:       apierror.CodeRateLimited,
					Message:    "too many requests",
					RetryAfter: d.RetryAfter,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetRateLimitHeaders exposes quota on every response so clients can self-throttle.
func SetRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// ClientIP returns the peer address. Forwarding headers are only honored when
// the router installs a trusted real-ip middleware ahead of this one.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}

	if addr == "" {
		return "unknown"
	}

	return addr
}
