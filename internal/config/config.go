// Package config provides configuration loading and validation for the boxoffice
// services. It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/boxoffice/internal/validate"
)

// Config holds all configuration values for the API server and the reconciler.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage and messaging
	DatabaseURL    string `koanf:"database_url"`
	RedisURL       string `koanf:"redis_url"`
	NATSURL        string `koanf:"nats_url"`
	RateLimitRedis bool   `koanf:"rate_limit_redis"` // Share rate-limit buckets across replicas through Redis

	// Stripe
	StripeAPIKey           string `koanf:"stripe_api_key"`
	StripeWebhookSecret    string `koanf:"stripe_webhook_secret"`
	StripeCurrency         string `koanf:"stripe_currency"`
	PaymentSuccessURL      string `koanf:"payment_success_url"`
	PaymentCancelURL       string `koanf:"payment_cancel_url"`
	WebhookSignatureHeader string `koanf:"webhook_signature_header"`

	// Tickets and staff authentication
	TicketTokenSecret string `koanf:"ticket_token_secret"`
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // Accepted for validation during rotation

	// QR image storage (S3 compatible)
	QRBucketName      string `koanf:"qr_bucket_name"`
	QRAccessKeyID     string `koanf:"qr_access_key_id"`
	QRSecretAccessKey string `koanf:"qr_secret_access_key"`
	QREndpoint        string `koanf:"qr_endpoint"`

	// Notifications
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`
	SNSRegion    string `koanf:"sns_region"`
	SNSSenderID  string `koanf:"sns_sender_id"`

	DefaultCountryCode string `koanf:"default_country_code"`

	// Background reconciliation
	PendingSweepInterval time.Duration `koanf:"pending_sweep_interval"`
	PendingSweepMinAge   time.Duration `koanf:"pending_sweep_min_age"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"otel_exporter_type"`
	TracingEndpoint   string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingTicketTokenSecret   = errors.New("TICKET_TOKEN_SECRET is required")
	ErrMissingQRBucketName        = errors.New("QR_BUCKET_NAME is required")
	ErrMissingQRAccessKeyID       = errors.New("QR_ACCESS_KEY_ID is required")
	ErrMissingQRSecretAccessKey   = errors.New("QR_SECRET_ACCESS_KEY is required")
	ErrMissingQREndpoint          = errors.New("QR_ENDPOINT is required")
	ErrMissingSMTPHost            = errors.New("SMTP_HOST is required")
	ErrMissingSMTPFrom            = errors.New("SMTP_FROM is required")
	ErrMissingRedisURL            = errors.New("REDIS_URL is required when RATE_LIMIT_REDIS is enabled")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidDuration            = errors.New("must be a positive duration")
	ErrInvalidSampleRate          = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporter            = errors.New("OTEL_EXPORTER_TYPE must be otlp-grpc or otlp-http")
	ErrInvalidReturnURL           = errors.New("PAYMENT_SUCCESS_URL and PAYMENT_CANCEL_URL must be valid URLs")
)

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultStripeCurrency       = "inr"
	DefaultCountryCode          = "91"
	DefaultSMTPPort             = 587
	DefaultPendingSweepInterval = 5 * time.Minute
	DefaultPendingSweepMinAge   = 15 * time.Minute
	DefaultTracingExporter      = "otlp-http"
	DefaultTracingSampleRate    = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// BOXOFFICE_PORT first, then the PORT most platforms inject
	port, err := getEnvIntOrDefaultMulti([]string{"BOXOFFICE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	smtpPort, err := getEnvIntOrDefault("SMTP_PORT", k.Int("smtp_port"), DefaultSMTPPort)
	collect(err)
	sweepInterval, err := getEnvDurationOrDefault("PENDING_SWEEP_INTERVAL", k.Duration("pending_sweep_interval"), DefaultPendingSweepInterval)
	collect(err)
	sweepMinAge, err := getEnvDurationOrDefault("PENDING_SWEEP_MIN_AGE", k.Duration("pending_sweep_min_age"), DefaultPendingSweepMinAge)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	cfg := &Config{
		Port:           port,
		Env:            getEnvOrDefaultMulti([]string{"BOXOFFICE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:    getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:       getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		NATSURL:        getEnvOrKoanf("NATS_URL", k, "nats_url"),
		RateLimitRedis: getEnvBoolOrDefault("RATE_LIMIT_REDIS", k, "rate_limit_redis", false),

		StripeAPIKey:           getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret:    getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeCurrency:         strings.ToLower(getEnvOrDefault("STRIPE_CURRENCY", k.String("stripe_currency"), DefaultStripeCurrency)),
		PaymentSuccessURL:      getEnvOrKoanf("PAYMENT_SUCCESS_URL", k, "payment_success_url"),
		PaymentCancelURL:       getEnvOrKoanf("PAYMENT_CANCEL_URL", k, "payment_cancel_url"),
		WebhookSignatureHeader: getEnvOrKoanf("WEBHOOK_SIGNATURE_HEADER", k, "webhook_signature_header"),

		TicketTokenSecret: getEnvOrKoanf("TICKET_TOKEN_SECRET", k, "ticket_token_secret"),
		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret: getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),

		QRBucketName:      getEnvOrKoanf("QR_BUCKET_NAME", k, "qr_bucket_name"),
		QRAccessKeyID:     getEnvOrKoanf("QR_ACCESS_KEY_ID", k, "qr_access_key_id"),
		QRSecretAccessKey: getEnvOrKoanf("QR_SECRET_ACCESS_KEY", k, "qr_secret_access_key"),
		QREndpoint:        getEnvOrKoanf("QR_ENDPOINT", k, "qr_endpoint"),

		SMTPHost:     getEnvOrKoanf("SMTP_HOST", k, "smtp_host"),
		SMTPPort:     smtpPort,
		SMTPUsername: getEnvOrKoanf("SMTP_USERNAME", k, "smtp_username"),
		SMTPPassword: getEnvOrKoanf("SMTP_PASSWORD", k, "smtp_password"),
		SMTPFrom:     getEnvOrKoanf("SMTP_FROM", k, "smtp_from"),
		SNSRegion:    getEnvOrKoanf("SNS_REGION", k, "sns_region"),
		SNSSenderID:  getEnvOrKoanf("SNS_SENDER_ID", k, "sns_sender_id"),

		DefaultCountryCode: getEnvOrDefault("DEFAULT_COUNTRY_CODE", k.String("default_country_code"), DefaultCountryCode),

		PendingSweepInterval: sweepInterval,
		PendingSweepMinAge:   sweepMinAge,

		TracingEnabled:    getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:   getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("otel_exporter_type"), DefaultTracingExporter),
		TracingEndpoint:   getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate: sampleRate,
		TracingInsecure:   getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBoolOrDefault reads a flag from env, then the file, then the default.
// Unrecognised env values are ignored.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	v := defaultVal
	if k.Exists(koanfKey) {
		v = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns an error if a set variable cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if key == "PORT" || strings.HasSuffix(key, "_PORT") {
					return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
				}
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("90s", "5m") from env, then
// the file, then the default.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal > 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.TicketTokenSecret == "" {
		errs = append(errs, ErrMissingTicketTokenSecret)
	}

	// QR storage is optional. Only validate fields if any QR value is set.
	if c.QRBucketName != "" || c.QRAccessKeyID != "" || c.QRSecretAccessKey != "" || c.QREndpoint != "" {
		if c.QRBucketName == "" {
			errs = append(errs, ErrMissingQRBucketName)
		}
		if c.QRAccessKeyID == "" {
			errs = append(errs, ErrMissingQRAccessKeyID)
		}
		if c.QRSecretAccessKey == "" {
			errs = append(errs, ErrMissingQRSecretAccessKey)
		}
		if c.QREndpoint == "" {
			errs = append(errs, ErrMissingQREndpoint)
		}
	}

	// Same for SMTP; username and password may be empty on an open relay.
	if c.SMTPHost != "" || c.SMTPFrom != "" || c.SMTPUsername != "" || c.SMTPPassword != "" {
		if c.SMTPHost == "" {
			errs = append(errs, ErrMissingSMTPHost)
		}
		if c.SMTPFrom == "" {
			errs = append(errs, ErrMissingSMTPFrom)
		}
	}

	for _, u := range []string{c.PaymentSuccessURL, c.PaymentCancelURL} {
		if u == "" {
			continue
		}
		if _, err := validate.ReturnURL(u, c.IsProduction()); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidReturnURL, err))
		}
	}

	if c.RateLimitRedis && c.RedisURL == "" {
		errs = append(errs, ErrMissingRedisURL)
	}

	if c.TracingEnabled {
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidExporter)
		}
	}

	return errs
}

// SMTPEnabled reports whether an email relay is configured.
func (c *Config) SMTPEnabled() bool { return c.SMTPHost != "" }

// QRStorageEnabled reports whether rendered QR images are uploaded to object storage.
func (c *Config) QRStorageEnabled() bool { return c.QRBucketName != "" }

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   strconv.Itoa(c.Port),
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"nats_url":               maskDatabaseURL(c.NATSURL),
		"rate_limit_redis":       strconv.FormatBool(c.RateLimitRedis),
		"stripe_api_key":         maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":  maskStripeKey(c.StripeWebhookSecret),
		"stripe_currency":        c.StripeCurrency,
		"payment_success_url":    c.PaymentSuccessURL,
		"payment_cancel_url":     c.PaymentCancelURL,
		"ticket_token_secret":    maskSecret(c.TicketTokenSecret),
		"jwt_secret":             maskSecret(c.JWTSecret),
		"jwt_previous_secret":    maskSecret(c.JWTPreviousSecret),
		"qr_bucket_name":         c.QRBucketName,
		"qr_access_key_id":       maskSecret(c.QRAccessKeyID),
		"qr_secret_access_key":   maskSecret(c.QRSecretAccessKey),
		"qr_endpoint":            c.QREndpoint,
		"smtp_host":              c.SMTPHost,
		"smtp_port":              strconv.Itoa(c.SMTPPort),
		"smtp_username":          c.SMTPUsername,
		"smtp_password":          maskSecret(c.SMTPPassword),
		"smtp_from":              c.SMTPFrom,
		"sns_region":             c.SNSRegion,
		"default_country_code":   c.DefaultCountryCode,
		"pending_sweep_interval": c.PendingSweepInterval.String(),
		"pending_sweep_min_age":  c.PendingSweepMinAge.String(),
		"tracing_enabled":        strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_type":     c.TracingExporter,
		"tracing_sample_rate":    strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe key, preserving the prefix (sk_live_, whsec_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	// sk_test_..., rk_live_... keep two segments; whsec_... keeps one
	parts := strings.SplitN(s, "_", 3)
	switch len(parts) {
	case 3:
		return parts[0] + "_" + parts[1] + "_****"
	case 2:
		return parts[0] + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres, redis, nats).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
