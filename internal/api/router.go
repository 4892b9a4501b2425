package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/boxoffice/internal/auth"
	"github.com/onnwee/boxoffice/internal/idempotency"
	"github.com/onnwee/boxoffice/internal/middleware"
)

// ServiceName identifies the API in traces and the root response.
const ServiceName = "boxoffice-api"

// RouterConfig holds everything NewRouter wires. Handlers left nil are not
// mounted; Staff is required when Tickets is set.
type RouterConfig struct {
	Orders   *OrderHandlers
	Webhooks *WebhookHandlers
	Vouchers *VoucherHandlers
	Tickets  *TicketHandlers
	Health   *HealthHandlers

	Staff       middleware.TokenValidator
	Idempotency idempotency.Repository

	// RateLimits enables rate limiting when set.
	RateLimits   middleware.RateLimitStore
	GlobalLimit  middleware.RateLimitConfig
	OrderLimit   middleware.RateLimitConfig
	VoucherLimit middleware.RateLimitConfig

	Metrics        *middleware.Metrics
	MetricsHandler http.Handler
	Tracing        bool
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler with its middleware chain:
// RequestID -> Tracing -> Logging -> HTTPMetrics -> global rate limit -> routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GlobalLimit.Validate() != nil {
		cfg.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if cfg.OrderLimit.Validate() != nil {
		cfg.OrderLimit = middleware.DefaultOrderLimit()
	}
	if cfg.VoucherLimit.Validate() != nil {
		cfg.VoucherLimit = middleware.DefaultVoucherLimit()
	}

	limit := func(name string, c middleware.RateLimitConfig, h http.Handler) http.Handler {
		if cfg.RateLimits == nil {
			return h
		}
		return middleware.RateLimiter(cfg.RateLimits, name, c, middleware.IPKeyFunc(), cfg.Metrics)(h)
	}

	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.Orders != nil {
		var create http.Handler = http.HandlerFunc(cfg.Orders.CreateOrder)
		if cfg.Idempotency != nil {
			create = middleware.Idempotency(cfg.Idempotency, cfg.Logger)(create)
		}
		mux.Handle("POST /orders", limit("orders", cfg.OrderLimit, create))
		mux.HandleFunc("GET /orders/{orderId}/status", cfg.Orders.OrderStatus)
	}

	if cfg.Webhooks != nil {
		mux.HandleFunc("POST /webhooks/payment", cfg.Webhooks.HandlePaymentWebhook)
	}

	if cfg.Vouchers != nil {
		mux.Handle("POST /vouchers/check-availability",
			limit("vouchers", cfg.VoucherLimit, http.HandlerFunc(cfg.Vouchers.CheckAvailability)))
		mux.Handle("GET /vouchers/redeem",
			limit("vouchers", cfg.VoucherLimit, http.HandlerFunc(cfg.Vouchers.Redeem)))
	}

	if cfg.Tickets != nil {
		admin := middleware.RequireStaff(cfg.Staff, auth.RoleAdmin)
		gate := middleware.RequireStaff(cfg.Staff, auth.RoleGate)
		mux.Handle("GET /tickets/{enrollmentId}/qr/{phone}", admin(http.HandlerFunc(cfg.Tickets.QRCode)))
		mux.Handle("GET /tickets/verify", gate(http.HandlerFunc(cfg.Tickets.Verify)))
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{"service": ServiceName})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	handler = limit("global", cfg.GlobalLimit, handler)
	if cfg.Metrics != nil {
		handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	}
	handler = middleware.Logging(cfg.Logger)(handler)
	if cfg.Tracing {
		handler = middleware.Tracing(ServiceName)(handler)
	}
	return middleware.RequestID(handler)
}
