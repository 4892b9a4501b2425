package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Second}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	for _, d := range []RateLimitConfig{DefaultGlobalLimit(), DefaultOrderLimit(), DefaultVoucherLimit()} {
		if err := d.Validate(); err != nil {
			t.Errorf("default %+v invalid: %v", d, err)
		}
	}
}

func TestInMemoryRateLimitStore_FixedWindow(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	cfg := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := store.Allow(ctx, "k", cfg); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry := store.Allow(ctx, "k", cfg)
	if ok {
		t.Fatal("4th request should be blocked")
	}
	if retry != 60 {
		t.Errorf("retryAfter = %d, want 60", retry)
	}

	if ok, _ := store.Allow(ctx, "other", cfg); !ok {
		t.Error("keys must not share buckets")
	}

	now = now.Add(time.Minute)
	if ok, _ := store.Allow(ctx, "k", cfg); !ok {
		t.Error("new window should allow again")
	}

	now = now.Add(2 * time.Minute)
	if removed := store.Cleanup(); removed != 2 {
		t.Errorf("Cleanup removed %d buckets, want 2", removed)
	}
}

func TestRedisRateLimitStore(t *testing.T) {
	client, mock := redismock.NewClientMock()
	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client, metrics, nil)
	cfg := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	ctx := context.Background()

	mock.ExpectIncr("ratelimit:k").SetVal(1)
	mock.ExpectPExpire("ratelimit:k", time.Minute).SetVal(true)
	if ok, _ := store.Allow(ctx, "k", cfg); !ok {
		t.Error("first request should be allowed")
	}

	mock.ExpectIncr("ratelimit:k").SetVal(2)
	if ok, _ := store.Allow(ctx, "k", cfg); !ok {
		t.Error("second request should be allowed")
	}

	mock.ExpectIncr("ratelimit:k").SetVal(3)
	mock.ExpectPTTL("ratelimit:k").SetVal(42 * time.Second)
	ok, retry := store.Allow(ctx, "k", cfg)
	if ok || retry != 42 {
		t.Errorf("third request: allowed=%v retry=%d, want blocked with 42", ok, retry)
	}

	mock.ExpectIncr("ratelimit:k").SetErr(errors.New("connection refused"))
	if ok, _ := store.Allow(ctx, "k", cfg); !ok {
		t.Error("redis errors must fail open")
	}
	if got := testutil.ToFloat64(metrics.rateLimitStoreErrors); got != 1 {
		t.Errorf("redis error counter = %v, want 1", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := IPKeyFunc()(r); got != tt.want {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaffKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/tickets/verify", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := StaffKeyFunc()(r); got != "ip:192.0.2.1" {
		t.Errorf("anonymous key = %q", got)
	}
	r = r.WithContext(SetStaffID(r.Context(), "staff-9"))
	if got := StaffKeyFunc()(r); got != "staff:staff-9" {
		t.Errorf("staff key = %q", got)
	}
}

func TestRateLimiter_Returns429(t *testing.T) {
	metrics := NewMetrics()
	limiter := RateLimiter(NewInMemoryRateLimitStore(), "orders",
		RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, IPKeyFunc(), metrics)
	h := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/orders", nil)
		r.RemoteAddr = "192.0.2.1:1"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	if w := req(); w.Code != http.StatusCreated {
		t.Fatalf("first request status %d", w.Code)
	}
	w := req()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if !strings.Contains(w.Body.String(), `"rate_limited"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	if got := testutil.ToFloat64(metrics.rateLimitRejected.WithLabelValues("orders", "ip")); got != 1 {
		t.Errorf("blocked counter = %v", got)
	}
}
