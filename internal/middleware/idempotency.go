package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/onnwee/boxoffice/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks a response served from the idempotency store.
const IdempotentReplayHeader = "Idempotent-Replayed"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter captures the response for storage.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// writeMiddlewareError writes the API error envelope from inside middleware,
// which cannot import the api package.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

// Idempotency replays stored responses for repeated Idempotency-Key values.
// The header is optional: requests without it pass straight through. Only
// 2xx responses are stored, so a failed attempt can be retried with the same
// key. A key whose first request is still running gets 409.
func Idempotency(repo idempotency.Repository, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu       sync.Mutex
		inFlight = make(map[string]struct{})
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, msg := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code, msg = "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeMiddlewareError(w, r, http.StatusBadRequest, code, msg)
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(ctx, key)
			switch {
			case err == nil:
				if existing.Route != r.URL.Path {
					writeMiddlewareError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
						"Idempotency-Key was already used for a different request")
					return
				}
				logger.InfoContext(ctx, "replaying idempotent response",
					"key", key, "status", existing.StatusCode, "order_id", existing.OrderID)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write([]byte(existing.ResponseBody))
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Store unavailable: serve the request without idempotency.
				logger.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			mu.Lock()
			if _, busy := inFlight[key]; busy {
				mu.Unlock()
				writeMiddlewareError(w, r, http.StatusConflict, "idempotency_key_in_use",
					"A request with this Idempotency-Key is still being processed")
				return
			}
			inFlight[key] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(inFlight, key)
				mu.Unlock()
			}()

			cw := newIdempotencyResponseWriter(w)
			next.ServeHTTP(cw, r)

			if cw.statusCode < 200 || cw.statusCode >= 300 {
				return
			}

			body := cw.body.String()
			rec := &idempotency.Record{
				Key:          key,
				Method:       r.Method,
				Route:        r.URL.Path,
				OrderID:      orderIDFromBody(body),
				StatusCode:   cw.statusCode,
				ResponseBody: body,
				ResponseHash: idempotency.HashResponse(body),
			}
			if err := repo.Store(ctx, rec); err != nil {
				logger.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			logger.DebugContext(ctx, "stored idempotency key", "key", key, "order_id", rec.OrderID)
		})
	}
}

func orderIDFromBody(body string) string {
	var v struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return ""
	}
	return v.OrderID
}
