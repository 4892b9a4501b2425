// Package app assembles the boxoffice services from configuration. Both the
// API server and the one-shot reconciler build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/boxoffice/internal/api"
	"github.com/onnwee/boxoffice/internal/auth"
	"github.com/onnwee/boxoffice/internal/config"
	"github.com/onnwee/boxoffice/internal/db"
	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/events"
	"github.com/onnwee/boxoffice/internal/gateway"
	"github.com/onnwee/boxoffice/internal/health"
	"github.com/onnwee/boxoffice/internal/idempotency"
	"github.com/onnwee/boxoffice/internal/jobs"
	"github.com/onnwee/boxoffice/internal/middleware"
	"github.com/onnwee/boxoffice/internal/notify"
	"github.com/onnwee/boxoffice/internal/order"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
	"github.com/onnwee/boxoffice/internal/resource"
	"github.com/onnwee/boxoffice/internal/seat"
	"github.com/onnwee/boxoffice/internal/ticket"
	"github.com/onnwee/boxoffice/internal/tracing"
	"github.com/onnwee/boxoffice/internal/user"
	"github.com/onnwee/boxoffice/internal/voucher"
)

// Notification delivery pool.
const (
	notifyWorkers   = 4
	notifyQueueSize = 256
	notifyTimeout   = 30 * time.Second
)

// App holds the long-lived components of a boxoffice process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB       *sql.DB
	Redis    *redis.Client // nil without REDIS_URL
	NATS     *nats.Conn    // nil without NATS_URL
	Registry *prometheus.Registry
	Tracing  *tracing.Provider

	Gateway     gateway.Gateway
	Payments    payment.Repository
	Webhooks    payment.WebhookRepository
	Enrollments enrollment.Repository
	Resources   resource.Repository
	Vouchers    *voucher.Service
	Seats       seat.Reserver
	Idempotency idempotency.Repository
	Events      events.Publisher
	Dispatcher  *notify.Dispatcher

	Machine *reconcile.Machine
	Orders  *order.Service
	Issuer  *ticket.Issuer
	QR      *ticket.QRService

	JobMetrics    *jobs.Metrics
	HTTPMetrics   *middleware.Metrics
	TicketMetrics *ticket.Metrics
}

// Build connects to every configured backend and wires the domain services.
// On error, whatever was opened is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	if err := a.open(ctx); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed startup", "error", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	var err error

	a.Tracing, err = tracing.NewProvider(tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a.DB, err = db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{}, logger)
	if err != nil {
		return err
	}

	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", perr)
		}
		a.Redis = redis.NewClient(opts)
		if err = a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	a.Events = events.Noop{}
	if cfg.NATSURL != "" {
		a.NATS, err = events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		a.Events = events.NewNATSPublisher(a.NATS, logger)
	}

	if err = a.registerMetrics(); err != nil {
		return err
	}
	if err = a.wireDomain(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) registerMetrics() error {
	a.JobMetrics = jobs.NewMetrics()
	a.HTTPMetrics = middleware.NewMetrics()
	a.TicketMetrics = ticket.NewMetrics()

	regs := []interface {
		Register(prometheus.Registerer) error
	}{a.JobMetrics, a.HTTPMetrics, a.TicketMetrics}
	for _, r := range regs {
		if err := r.Register(a.Registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return nil
}

func (a *App) wireDomain(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	a.Gateway = gateway.NewStripe(gateway.StripeConfig{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Currency:      cfg.StripeCurrency,
		SuccessURL:    cfg.PaymentSuccessURL,
		CancelURL:     cfg.PaymentCancelURL,
	}, logger)

	a.Payments = payment.NewPostgresRepository(a.DB, logger)
	a.Webhooks = payment.NewPostgresWebhookRepository(a.DB, logger)
	a.Enrollments = enrollment.NewPostgresRepository(a.DB, logger)
	a.Resources = resource.NewPostgresRepository(a.DB, logger)
	a.Idempotency = idempotency.NewPostgresRepository(a.DB)
	a.Vouchers = voucher.NewService(voucher.NewPostgresStore(a.DB, logger), logger)
	users := user.NewPostgresRepository(a.DB)

	if a.Redis != nil {
		a.Seats = seat.NewRedisReserver(a.Redis, logger)
	} else {
		logger.Warn("REDIS_URL not set, seat holds are process-local")
		a.Seats = seat.NewInMemoryReserver()
	}

	var qrStore ticket.QRStore
	if cfg.QRStorageEnabled() {
		s3, err := ticket.NewS3Store(ticket.S3StoreConfig{
			BucketName:      cfg.QRBucketName,
			AccessKeyID:     cfg.QRAccessKeyID,
			SecretAccessKey: cfg.QRSecretAccessKey,
			Endpoint:        cfg.QREndpoint,
		})
		if err != nil {
			return fmt.Errorf("qr storage: %w", err)
		}
		qrStore = s3
	}
	a.Issuer = ticket.NewIssuer(cfg.TicketTokenSecret)
	a.QR = ticket.NewQRService(a.Issuer, a.Enrollments, qrStore, logger)

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}
	a.Dispatcher = notify.NewDispatcher(notifyWorkers, notifyQueueSize, notifyTimeout, logger)

	machineMetrics := reconcile.NewMetrics()
	orderMetrics := order.NewMetrics()
	if err := machineMetrics.Register(a.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := orderMetrics.Register(a.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a.Machine = reconcile.New(reconcile.Deps{
		Payments:    a.Payments,
		Enrollments: enrollment.NewService(a.Enrollments, users, a.Resources, logger),
		Vouchers:    a.Vouchers,
		Seats:       a.Seats,
		Resources:   a.Resources,
		Gateway:     a.Gateway,
		Tickets:     a.QR,
		Notifier:    notifier,
		Dispatcher:  a.Dispatcher,
		Events:      a.Events,
		Metrics:     machineMetrics,
		Logger:      logger,
	})
	a.Orders = order.NewService(order.Deps{
		Resources:   a.Resources,
		Enrollments: a.Enrollments,
		Vouchers:    a.Vouchers,
		Seats:       a.Seats,
		Gateway:     a.Gateway,
		Payments:    a.Payments,
		Resyncer:    a.Machine,
		Events:      a.Events,
		Metrics:     orderMetrics,
		Logger:      logger,
	})
	return nil
}

// buildNotifier picks SNS for SMS and SMTP for email when configured.
func (a *App) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	cfg := a.Config
	var (
		sms   notify.SMSSender
		email notify.EmailSender
	)
	if cfg.SNSRegion != "" {
		s, err := notify.NewSNSSender(ctx, cfg.SNSRegion, cfg.SNSSenderID)
		if err != nil {
			return nil, fmt.Errorf("sns: %w", err)
		}
		sms = s
	}
	if cfg.SMTPEnabled() {
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		email = s
	}
	if sms == nil && email == nil {
		a.Logger.Warn("no notification channel configured, tickets are not delivered")
		return notify.Noop{}, nil
	}
	return notify.NewMessenger(sms, email, cfg.DefaultCountryCode, a.Logger), nil
}

// Handler builds the HTTP API.
func (a *App) Handler(rateLimits middleware.RateLimitStore) http.Handler {
	checks := api.HealthHandlersConfig{DBChecker: health.NewDBChecker(a.DB)}
	if a.Redis != nil {
		checks.RedisChecker = health.NewRedisChecker(a.Redis)
	}
	if a.NATS != nil {
		checks.NATSChecker = health.NewNATSChecker(a.NATS)
	}

	verifier := ticket.NewVerifier(a.Issuer, a.Enrollments, a.Events, a.TicketMetrics, a.Logger)
	return api.NewRouter(api.RouterConfig{
		Orders:         api.NewOrderHandlers(a.Orders, a.Logger),
		Webhooks:       api.NewWebhookHandlers(a.Gateway, a.Machine, a.Webhooks, a.Config.WebhookSignatureHeader, a.Logger),
		Vouchers:       api.NewVoucherHandlers(a.Vouchers, a.Logger),
		Tickets:        api.NewTicketHandlers(a.QR, verifier, a.Logger),
		Health:         api.NewHealthHandlers(checks),
		Staff:          auth.NewJWTService(a.Config.JWTSecret, a.Config.JWTPreviousSecret),
		Idempotency:    a.Idempotency,
		RateLimits:     rateLimits,
		Metrics:        a.HTTPMetrics,
		MetricsHandler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),
		Tracing:        a.Tracing.IsEnabled(),
		Logger:         a.Logger,
	})
}

// RateLimitStore returns the Redis-backed store when RATE_LIMIT_REDIS is set,
// otherwise an in-memory one.
func (a *App) RateLimitStore() middleware.RateLimitStore {
	if a.Config.RateLimitRedis && a.Redis != nil {
		return middleware.NewRedisRateLimitStore(a.Redis, a.HTTPMetrics, a.Logger)
	}
	return middleware.NewInMemoryRateLimitStore()
}

// Sweeper returns the pending payment sweep configured for this process.
func (a *App) Sweeper() *jobs.PendingSweeper {
	return &jobs.PendingSweeper{
		Payments: a.Payments,
		Resyncer: a.Machine,
		MinAge:   a.Config.PendingSweepMinAge,
		Logger:   a.Logger,
	}
}

// Repair returns the enrollment repair job.
func (a *App) Repair() *jobs.EnrollmentRepair {
	return &jobs.EnrollmentRepair{
		Payments: a.Payments,
		Enroller: a.Machine,
		Logger:   a.Logger,
	}
}

// Close drains notifications and closes every connection, in reverse order
// of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		errs = append(errs, a.Dispatcher.Close(ctx))
	}
	if a.NATS != nil {
		errs = append(errs, a.NATS.Drain())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	errs = append(errs, a.Tracing.Shutdown(ctx))
	return errors.Join(errs...)
}
