// Package metrics holds the prometheus collectors of the auth service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenhouse"

type Metrics struct {
	registry *prometheus.Registry

	tokensIssued     prometheus.Counter
	rotations        *prometheus.CounterVec
	reuseDetected    prometheus.Counter
	authRejections   *prometheus.CounterVec
	rateLimitRejects *prometheus.CounterVec
	janitorDeleted   *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tokensIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_issued_total", Help: "Token pairs issued.",
		}),
		rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_rotations_total", Help: "Refresh rotations by outcome.",
		}, []string{"outcome"}),
		reuseDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_reuse_detected_total", Help: "Refresh tokens presented after being consumed.",
		}),
		authRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_rejections_total", Help: "Rejected authenticated requests by reason.",
		}, []string{"reason"}),
		rateLimitRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejections_total", Help: "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		janitorDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "janitor_deleted_total", Help: "Rows removed by the token janitor.",
		}, []string{"table"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) Rotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.reuseDetected.Inc()
}

func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.authRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.WithLabelValues(limiter).Inc()
}

func (m *Metrics) JanitorDeleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorDeleted.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
