package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/boxoffice/internal/apperr"
	"github.com/onnwee/boxoffice/internal/middleware"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body: %v, body: %s", err, w.Body.String())
	}
	return resp.Error
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeNotFound, `Order "cs_1" <not> found`)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("unexpected Content-Type %s", ct)
	}
	detail := decodeError(t, w)
	if detail.Code != ErrCodeNotFound || detail.Message != `Order "cs_1" <not> found` {
		t.Errorf("unexpected error detail %+v", detail)
	}
}

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"validation", apperr.Validation("duplicate_phone", "Phone ******3210 appears more than once"), 400, "duplicate_phone", "Phone ******3210 appears more than once"},
		{"not found", apperr.NotFound("order_not_found", "Order not found"), 404, "order_not_found", "Order not found"},
		{"conflict", apperr.Conflict("seat_unavailable", "taken").Wrap(errors.New("A1")), 409, "seat_unavailable", "taken"},
		{"auth", apperr.Auth("token_expired", "Ticket has expired"), 401, "token_expired", "Ticket has expired"},
		{"upstream", apperr.Upstream("gateway_error", "Payment gateway unavailable", errors.New("timeout")), 502, "gateway_error", "Payment gateway unavailable"},
		{"internal hides detail", apperr.Internal("failed to record payment", errors.New("pq: connection reset")), 500, ErrCodeInternal, "internal server error"},
		{"unclassified", errors.New("boom"), 500, ErrCodeInternal, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeAppError(w, context.Background(), tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			detail := decodeError(t, w)
			if detail.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", detail.Code, tt.wantCode)
			}
			if detail.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", detail.Message, tt.wantMsg)
			}
			if strings.Contains(w.Body.String(), "pq:") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestWriteError_TagsRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAppError(w, r.Context(), apperr.Validation("seat_count_mismatch", "Selected 1 seats for 2 tickets"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", nil))

	var entry struct {
		Status    int    `json:"status"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v (%s)", err, buf.String())
	}
	if entry.Status != 400 || entry.ErrorCode != "seat_count_mismatch" {
		t.Errorf("log entry = %+v", entry)
	}
}

func TestStatusForKind(t *testing.T) {
	want := map[apperr.Kind]int{
		apperr.KindValidation: 400,
		apperr.KindNotFound:   404,
		apperr.KindConflict:   409,
		apperr.KindAuth:       401,
		apperr.KindUpstream:   502,
		apperr.KindInternal:   500,
	}
	for k, status := range want {
		if got := StatusForKind(k); got != status {
			t.Errorf("StatusForKind(%s) = %d, want %d", k, got, status)
		}
	}
}
