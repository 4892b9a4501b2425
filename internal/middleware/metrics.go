package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exported metric names, as they appear on /metrics.
const (
	MetricRateLimitChecks       = "boxoffice_rate_limit_checks_total"
	MetricRateLimitRejected     = "boxoffice_rate_limit_rejected_total"
	MetricRateLimitStoreErrors  = "boxoffice_rate_limit_store_errors_total"
	MetricHTTPRequestDuration   = "boxoffice_http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "boxoffice_http_requests_total"
	MetricHTTPResponseSizeBytes = "boxoffice_http_response_size_bytes"
	MetricIdempotentReplays     = "boxoffice_http_idempotent_replays_total"
)

var routeLabels = []string{"method", "route", "status"}

// Metrics holds the HTTP edge collectors: request latency per route, rate
// limiter decisions and idempotent order replays.
type Metrics struct {
	rateLimitChecks      *prometheus.CounterVec
	rateLimitRejected    *prometheus.CounterVec
	rateLimitStoreErrors prometheus.Counter
	requestDuration      *prometheus.HistogramVec
	requestsTotal        *prometheus.CounterVec
	responseSize         *prometheus.HistogramVec
	idempotentReplays    *prometheus.CounterVec
}

// NewMetrics builds unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitChecks,
				Help: "Requests counted against a rate limiter (global, orders, vouchers)",
			},
			[]string{"limiter", "key_type"},
		),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRejected,
				Help: "Requests answered 429 because a limiter window was full",
			},
			[]string{"limiter", "key_type"},
		),
		rateLimitStoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitStoreErrors,
				Help: "Shared limiter store failures; the request was let through",
			},
		),
		// Order creation waits on the payment gateway, so the upper buckets
		// go past the usual sub-second range.
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "Time to serve a boxoffice API request, by route pattern",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			routeLabels,
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Boxoffice API requests served, by route pattern and status",
			},
			routeLabels,
		),
		// JSON bodies are small; ticket QR images are the largest responses.
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPResponseSizeBytes,
				Help:    "Response body size in bytes, by route pattern",
				Buckets: prometheus.ExponentialBuckets(64, 4, 7), // 64 B to 256 KiB
			},
			routeLabels,
		),
		idempotentReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIdempotentReplays,
				Help: "Responses served from the idempotency store instead of the handler",
			},
			[]string{"route"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.rateLimitChecks,
		m.rateLimitRejected,
		m.rateLimitStoreErrors,
		m.requestDuration,
		m.requestsTotal,
		m.responseSize,
		m.idempotentReplays,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check for a limiter name
// ("global", "orders", "vouchers") and key type ("ip", "staff").
func (m *Metrics) IncRateLimitRequests(limiter, keyType string) {
	m.rateLimitChecks.WithLabelValues(limiter, keyType).Inc()
}

// IncRateLimitBlocked counts a request rejected with 429.
func (m *Metrics) IncRateLimitBlocked(limiter, keyType string) {
	m.rateLimitRejected.WithLabelValues(limiter, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open decision.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitStoreErrors.Inc()
}

// ObserveHTTPRequest records one request against its route pattern.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, seconds float64, responseSize int64) {
	labels := prometheus.Labels{"method": method, "route": route, "status": status}
	m.requestDuration.With(labels).Observe(seconds)
	m.requestsTotal.With(labels).Inc()
	m.responseSize.With(labels).Observe(float64(responseSize))
}

func (m *Metrics) incIdempotentReplay(route string) {
	m.idempotentReplays.WithLabelValues(route).Inc()
}
