package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded verbatim.
var staticRoutes = map[string]bool{
	"/":                            true,
	"/orders":                      true,
	"/webhooks/payment":            true,
	"/vouchers/check-availability": true,
	"/vouchers/redeem":             true,
	"/tickets/verify":              true,
	"/health":                      true,
	"/ready":                       true,
	"/metrics":                     true,
}

// normalizePath maps request paths to route patterns so order and
// enrollment ids do not explode metric cardinality:
// /orders/cs_123/status becomes /orders/{orderId}/status.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "orders" && parts[1] != "" && parts[2] == "status":
		return "/orders/{orderId}/status"
	case len(parts) == 4 && parts[0] == "tickets" && parts[1] != "" && parts[2] == "qr" && parts[3] != "":
		return "/tickets/{enrollmentId}/qr/{phone}"
	}

	// Unknown routes are kept as-is so new endpoints still show up.
	return path
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records latency, status and response size per route pattern,
// and counts order creations answered from the idempotency store. /health and
// /ready are skipped so health checks do not dominate.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)
			next.ServeHTTP(mrw, r)

			route := normalizePath(r.URL.Path)
			metrics.ObserveHTTPRequest(r.Method, route, strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(), mrw.size)
			if mrw.Header().Get(IdempotentReplayHeader) == "true" {
				metrics.incIdempotentReplay(route)
			}
		})
	}
}
