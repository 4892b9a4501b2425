package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig defines a fixed-window limit.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the time window for the rate limit.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has positive values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultGlobalLimit applies to every request: 100 per minute per IP.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultOrderLimit applies to POST /orders: 10 per minute per IP.
func DefaultOrderLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultVoucherLimit applies to the voucher endpoints: 20 per minute per IP.
func DefaultVoucherLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 20, WindowDuration: time.Minute}
}

// RateLimitStore holds rate limit counters.
type RateLimitStore interface {
	// Allow reports whether the request identified by key may proceed and,
	// when it may not, the number of seconds until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

// bucket is one fixed window for a key.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with a fixed window
// counter per key. Safe for concurrent use.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, 0
	}
	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0
	}
	return false, ceilSeconds(b.windowEnd.Sub(now))
}

// Cleanup removes expired buckets. The background scheduler calls it.
func (s *InMemoryRateLimitStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, b := range s.buckets {
		if !now.Before(b.windowEnd) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// RedisRateLimitStore implements RateLimitStore with INCR/PEXPIRE so every
// API replica shares the same counters. Redis errors fail open.
type RedisRateLimitStore struct {
	client  redis.Cmdable
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a RedisRateLimitStore. metrics may be nil.
func NewRedisRateLimitStore(client redis.Cmdable, metrics *Metrics, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{client: client, prefix: "ratelimit:", metrics: metrics, logger: logger}
}

func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	rkey := s.prefix + key

	count, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		s.failOpen(ctx, err)
		return true, 0
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, rkey, config.WindowDuration).Err(); err != nil {
			s.failOpen(ctx, err)
			return true, 0
		}
	}
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}

	ttl, err := s.client.PTTL(ctx, rkey).Result()
	if err != nil || ttl <= 0 {
		return false, ceilSeconds(config.WindowDuration)
	}
	return false, ceilSeconds(ttl)
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, err error) {
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		// First entry of X-Forwarded-For wins when behind a proxy
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// StaffKeyFunc keys authenticated staff by id and everyone else by IP.
func StaffKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if id := GetStaffID(r.Context()); id != "" {
			return "staff:" + id
		}
		return "ip:" + ipFunc(r)
	}
}

// RateLimiter returns 429 Too Many Requests with Retry-After once a key
// exceeds config. name scopes the counters so that per-route limits do not
// share a bucket with the global one; metrics may be nil.
func RateLimiter(store RateLimitStore, name string, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			keyType := "ip"
			if strings.HasPrefix(key, "staff:") {
				keyType = "staff"
			}
			if metrics != nil {
				metrics.IncRateLimitRequests(name, keyType)
			}

			allowed, retryAfter := store.Allow(r.Context(), name+":"+key, config)
			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(name, keyType)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				writeMiddlewareError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests, slow down")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
