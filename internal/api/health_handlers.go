package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for the orchestrator.
type HealthHandlers struct {
	// Required: a failing check makes /ready return 503.
	dbChecker HealthChecker

	// Optional backing services. Redis backs seat holds and rate limits, so it
	// is required once configured. NATS only carries best-effort events and
	// is reported without failing readiness.
	redisChecker HealthChecker
	natsChecker  HealthChecker

	timeout time.Duration
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
	NATSChecker  HealthChecker
	// Timeout bounds the whole readiness check. Defaults to 5s.
	Timeout time.Duration
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HealthHandlers{
		dbChecker:    config.DBChecker,
		redisChecker: config.RedisChecker,
		natsChecker:  config.NATSChecker,
		timeout:      config.Timeout,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness).
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness). It returns 503 when the
// database, or Redis when configured, cannot be reached.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	run := func(name string, c HealthChecker, critical bool) {
		if c == nil {
			checks[name] = "not_configured"
			return
		}
		if err := c.HealthCheck(ctx); err != nil {
			checks[name] = "error"
			if critical {
				healthy = false
			}
			slog.WarnContext(ctx, name+" health check failed", "error", err)
			return
		}
		checks[name] = "ok"
	}

	run("database", h.dbChecker, true)
	run("redis", h.redisChecker, true)
	run("nats", h.natsChecker, false)

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
