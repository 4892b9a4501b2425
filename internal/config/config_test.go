package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"BOXOFFICE_PORT", "PORT", "BOXOFFICE_ENV", "ENV", "GO_ENV",
	"DATABASE_URL", "REDIS_URL", "NATS_URL", "RATE_LIMIT_REDIS",
	"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_CURRENCY",
	"PAYMENT_SUCCESS_URL", "PAYMENT_CANCEL_URL", "WEBHOOK_SIGNATURE_HEADER",
	"TICKET_TOKEN_SECRET", "JWT_SECRET", "JWT_PREVIOUS_SECRET",
	"QR_BUCKET_NAME", "QR_ACCESS_KEY_ID", "QR_SECRET_ACCESS_KEY", "QR_ENDPOINT",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"SNS_REGION", "SNS_SENDER_ID", "DEFAULT_COUNTRY_CODE",
	"PENDING_SWEEP_INTERVAL", "PENDING_SWEEP_MIN_AGE",
	"TRACING_ENABLED", "OTEL_EXPORTER_TYPE", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"TRACING_SAMPLE_RATE", "TRACING_INSECURE",
}

// clearEnv blanks every key Load reads; an empty value counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":          "postgres://localhost/boxoffice",
		"JWT_SECRET":            "supersecret32characterlongvalue!",
		"STRIPE_API_KEY":        "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"TICKET_TOKEN_SECRET":   "ticketsecret-0123456789",
	}
}

func containsErr(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestLoad_MissingMandatory(t *testing.T) {
	tests := []struct {
		name             string
		envVars          map[string]string
		drop             string
		wantErrCount     int
		checkSpecificErr error
	}{
		{
			name:         "no environment variables set",
			envVars:      map[string]string{},
			wantErrCount: 5,
		},
		{
			name:             "only DATABASE_URL set",
			envVars:          map[string]string{"DATABASE_URL": "postgres://localhost/test"},
			wantErrCount:     4,
			checkSpecificErr: ErrMissingJWTSecret,
		},
		{
			name:             "missing JWT_SECRET",
			envVars:          requiredEnv(),
			drop:             "JWT_SECRET",
			wantErrCount:     1,
			checkSpecificErr: ErrMissingJWTSecret,
		},
		{
			name:             "missing STRIPE_WEBHOOK_SECRET",
			envVars:          requiredEnv(),
			drop:             "STRIPE_WEBHOOK_SECRET",
			wantErrCount:     1,
			checkSpecificErr: ErrMissingStripeWebhookSecret,
		},
		{
			name:             "missing TICKET_TOKEN_SECRET",
			envVars:          requiredEnv(),
			drop:             "TICKET_TOKEN_SECRET",
			wantErrCount:     1,
			checkSpecificErr: ErrMissingTicketTokenSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setEnv(t, tt.envVars)
			if tt.drop != "" {
				t.Setenv(tt.drop, "")
			}

			_, errs := Load("")

			if len(errs) != tt.wantErrCount {
				t.Errorf("Load() returned %d errors, want %d. Errors: %v", len(errs), tt.wantErrCount, errs)
			}
			if tt.checkSpecificErr != nil && !containsErr(errs, tt.checkSpecificErr) {
				t.Errorf("Load() did not return expected error %v. Got: %v", tt.checkSpecificErr, errs)
			}
		})
	}
}

func TestLoad_ValidEnv(t *testing.T) {
	clearEnv(t)
	setEnv(t, requiredEnv())
	setEnv(t, map[string]string{
		"PORT":                   "9090",
		"BOXOFFICE_ENV":          "production",
		"STRIPE_CURRENCY":        "USD",
		"PENDING_SWEEP_INTERVAL": "2m",
		"RATE_LIMIT_REDIS":       "yes",
		"REDIS_URL":              "redis://localhost:6379/0",
	})

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("Load() returned errors: %v", errs)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Errorf("Env = %q, want production", cfg.Env)
	}
	if cfg.StripeCurrency != "usd" {
		t.Errorf("StripeCurrency = %q, want usd", cfg.StripeCurrency)
	}
	if cfg.PendingSweepInterval != 2*time.Minute {
		t.Errorf("PendingSweepInterval = %v, want 2m", cfg.PendingSweepInterval)
	}
	if !cfg.RateLimitRedis {
		t.Error("RateLimitRedis = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setEnv(t, requiredEnv())

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("Load() returned errors: %v", errs)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Env != DefaultEnv {
		t.Errorf("Env = %q, want %q", cfg.Env, DefaultEnv)
	}
	if cfg.StripeCurrency != DefaultStripeCurrency {
		t.Errorf("StripeCurrency = %q, want %q", cfg.StripeCurrency, DefaultStripeCurrency)
	}
	if cfg.DefaultCountryCode != DefaultCountryCode {
		t.Errorf("DefaultCountryCode = %q, want %q", cfg.DefaultCountryCode, DefaultCountryCode)
	}
	if cfg.SMTPPort != DefaultSMTPPort {
		t.Errorf("SMTPPort = %d, want %d", cfg.SMTPPort, DefaultSMTPPort)
	}
	if cfg.PendingSweepInterval != DefaultPendingSweepInterval {
		t.Errorf("PendingSweepInterval = %v, want %v", cfg.PendingSweepInterval, DefaultPendingSweepInterval)
	}
	if cfg.PendingSweepMinAge != DefaultPendingSweepMinAge {
		t.Errorf("PendingSweepMinAge = %v, want %v", cfg.PendingSweepMinAge, DefaultPendingSweepMinAge)
	}
	if cfg.TracingEnabled || cfg.RateLimitRedis {
		t.Error("feature flags should default to false")
	}
	if cfg.SMTPEnabled() || cfg.QRStorageEnabled() {
		t.Error("optional groups should be disabled by default")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"port not a number", "PORT", "eighty", ErrInvalidPort},
		{"smtp port not a number", "SMTP_PORT", "abc", ErrInvalidPort},
		{"bad sweep interval", "PENDING_SWEEP_INTERVAL", "soon", ErrInvalidDuration},
		{"negative sweep age", "PENDING_SWEEP_MIN_AGE", "-1m", ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setEnv(t, requiredEnv())
			t.Setenv(tt.key, tt.value)

			_, errs := Load("")
			if !containsErr(errs, tt.wantErr) {
				t.Errorf("Load() errors = %v, want %v", errs, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			DatabaseURL:         "postgres://localhost/boxoffice",
			JWTSecret:           "secret",
			StripeAPIKey:        "sk_test_1",
			StripeWebhookSecret: "whsec_1",
			TicketTokenSecret:   "ticket",
			TracingExporter:     DefaultTracingExporter,
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErrs []error
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:     "partial QR storage group",
			mutate:   func(c *Config) { c.QRBucketName = "tickets" },
			wantErrs: []error{ErrMissingQRAccessKeyID, ErrMissingQRSecretAccessKey, ErrMissingQREndpoint},
		},
		{
			name: "complete QR storage group",
			mutate: func(c *Config) {
				c.QRBucketName = "tickets"
				c.QRAccessKeyID = "key"
				c.QRSecretAccessKey = "secret"
				c.QREndpoint = "https://s3.example.com"
			},
		},
		{
			name:     "smtp without sender",
			mutate:   func(c *Config) { c.SMTPHost = "smtp.example.com" },
			wantErrs: []error{ErrMissingSMTPFrom},
		},
		{
			name:     "smtp credentials without host",
			mutate:   func(c *Config) { c.SMTPUsername = "u"; c.SMTPFrom = "box@example.com" },
			wantErrs: []error{ErrMissingSMTPHost},
		},
		{
			name:     "redis rate limiting without redis",
			mutate:   func(c *Config) { c.RateLimitRedis = true },
			wantErrs: []error{ErrMissingRedisURL},
		},
		{
			name: "tracing with bad exporter and rate",
			mutate: func(c *Config) {
				c.TracingEnabled = true
				c.TracingExporter = "zipkin"
				c.TracingSampleRate = 1.5
			},
			wantErrs: []error{ErrInvalidSampleRate, ErrInvalidExporter},
		},
		{
			name: "return urls",
			mutate: func(c *Config) {
				c.PaymentSuccessURL = "http://localhost:3000/ok"
				c.PaymentCancelURL = "ftp://example.com/cancel"
			},
			wantErrs: []error{ErrInvalidReturnURL},
		},
		{
			name: "plain http return url rejected in production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.PaymentSuccessURL = "http://tickets.example.com/ok"
			},
			wantErrs: []error{ErrInvalidReturnURL},
		},
		{
			name: "tracing settings ignored when disabled",
			mutate: func(c *Config) {
				c.TracingExporter = "zipkin"
				c.TracingSampleRate = 2
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			errs := cfg.Validate()
			if len(errs) != len(tt.wantErrs) {
				t.Fatalf("Validate() returned %d errors, want %d: %v", len(errs), len(tt.wantErrs), errs)
			}
			for _, want := range tt.wantErrs {
				if !containsErr(errs, want) {
					t.Errorf("Validate() missing %v in %v", want, errs)
				}
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "<not set>"},
		{"short", "****"},
		{"longersecretvalue", "long****"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.input); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMaskStripeKey(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "<not set>"},
		{"sk_test_abcdef123", "sk_test_****"},
		{"rk_live_abcdef123", "rk_live_****"},
		{"whsec_abcdef123", "whsec_****"},
		{"nounderscores", "noun****"},
	}
	for _, tt := range tests {
		if got := maskStripeKey(tt.input); got != tt.want {
			t.Errorf("maskStripeKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"empty", "", "<not set>"},
		{"postgres with password", "postgres://box:hunter2@db:5432/boxoffice", "postgres://box:****@db:5432/boxoffice"},
		{"redis password only", "redis://:hunter2@cache:6379/0", "redis://:****@cache:6379/0"},
		{"no credentials", "nats://nats:4222", "nats://nats:4222"},
		{"user without password", "postgres://box@db/boxoffice", "postgres://box@db/boxoffice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskDatabaseURL(tt.input); got != tt.want {
				t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfig_LogSummary(t *testing.T) {
	cfg := &Config{
		Port:                8080,
		Env:                 "production",
		DatabaseURL:         "postgres://box:hunter2@db/boxoffice",
		StripeAPIKey:        "sk_live_supersecret",
		StripeWebhookSecret: "whsec_supersecret",
		TicketTokenSecret:   "ticket-signing-secret",
		JWTSecret:           "jwt-signing-secret",
		SMTPPassword:        "smtp-password",
	}

	summary := cfg.LogSummary()
	for key, val := range summary {
		for _, secret := range []string{"hunter2", "supersecret", "signing-secret", "smtp-password"} {
			if strings.Contains(val, secret) {
				t.Errorf("summary[%q] = %q leaks a secret", key, val)
			}
		}
	}
	if summary["stripe_api_key"] != "sk_live_****" {
		t.Errorf("stripe_api_key = %q, want sk_live_****", summary["stripe_api_key"])
	}
	if summary["jwt_previous_secret"] != "<not set>" {
		t.Errorf("jwt_previous_secret = %q, want <not set>", summary["jwt_previous_secret"])
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `port: 7070
env: staging
database_url: postgres://localhost/fromfile
jwt_secret: file-jwt-secret
stripe_api_key: sk_test_file
stripe_webhook_secret: whsec_file
ticket_token_secret: file-ticket-secret
stripe_currency: eur
pending_sweep_min_age: 30m
tracing_enabled: true
tracing_sample_rate: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() returned errors: %v", errs)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Port)
	}
	if cfg.Env != "staging" {
		t.Errorf("Env = %q, want staging", cfg.Env)
	}
	if cfg.StripeCurrency != "eur" {
		t.Errorf("StripeCurrency = %q, want eur", cfg.StripeCurrency)
	}
	if cfg.PendingSweepMinAge != 30*time.Minute {
		t.Errorf("PendingSweepMinAge = %v, want 30m", cfg.PendingSweepMinAge)
	}
	if !cfg.TracingEnabled || cfg.TracingSampleRate != 0.5 {
		t.Errorf("tracing = (%t, %v), want (true, 0.5)", cfg.TracingEnabled, cfg.TracingSampleRate)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `port: 7070
database_url: postgres://localhost/fromfile
jwt_secret: file-jwt-secret
stripe_api_key: sk_test_file
stripe_webhook_secret: whsec_file
ticket_token_secret: file-ticket-secret
tracing_enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	setEnv(t, map[string]string{
		"PORT":            "6060",
		"DATABASE_URL":    "postgres://localhost/fromenv",
		"TRACING_ENABLED": "off",
	})

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() returned errors: %v", errs)
	}
	if cfg.Port != 6060 {
		t.Errorf("Port = %d, want 6060", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://localhost/fromenv" {
		t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
	}
	if cfg.JWTSecret != "file-jwt-secret" {
		t.Errorf("JWTSecret = %q, want file value", cfg.JWTSecret)
	}
	if cfg.TracingEnabled {
		t.Error("TRACING_ENABLED=off should override the file")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, errs := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg != nil {
		t.Error("Load() should return nil config when the file cannot be read")
	}
	if len(errs) != 1 {
		t.Fatalf("Load() returned %d errors, want 1", len(errs))
	}
}
