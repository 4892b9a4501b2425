package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestHTTPMetrics(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		status      int
		wantRecords bool
		wantPath    string
	}{
		{"create order", http.MethodPost, "/orders", `{"resourceId":"r1"}`, http.StatusCreated, true, "/orders"},
		{"order status", http.MethodGet, "/orders/cs_9/status", "", http.StatusOK, true, "/orders/{orderId}/status"},
		{"webhook rejected", http.MethodPost, "/webhooks/payment", `{}`, http.StatusUnauthorized, true, "/webhooks/payment"},
		{"health excluded", http.MethodGet, "/health", "", http.StatusOK, false, ""},
		{"ready excluded", http.MethodGet, "/ready", "", http.StatusOK, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			reg := prometheus.NewRegistry()
			if err := m.Register(reg); err != nil {
				t.Fatalf("Register() failed: %v", err)
			}

			handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Length", strconv.Itoa(len(tt.body)))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			metrics := gatherCounter(t, reg, MetricHTTPRequestsTotal)
			if !tt.wantRecords {
				if len(metrics) != 0 {
					t.Errorf("expected no metrics for %s", tt.path)
				}
				return
			}
			if len(metrics) != 1 {
				t.Fatalf("expected one series, got %d", len(metrics))
			}
			if got := labelValue(metrics[0], "route"); got != tt.wantPath {
				t.Errorf("route label = %q, want %q", got, tt.wantPath)
			}
			if got := labelValue(metrics[0], "status"); got != strconv.Itoa(tt.status) {
				t.Errorf("status label = %q, want %d", got, tt.status)
			}
			if got := metrics[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("counter = %v, want 1", got)
			}
		})
	}
}

func TestHTTPMetrics_ResponseSize(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("12345"))
		_, _ = w.Write([]byte("67890"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/vouchers/redeem", nil))

	metrics := gatherCounter(t, reg, MetricHTTPResponseSizeBytes)
	if len(metrics) != 1 {
		t.Fatalf("expected one series, got %d", len(metrics))
	}
	if got := metrics[0].GetHistogram().GetSampleSum(); got != 10 {
		t.Errorf("response size sum = %v, want 10", got)
	}
}

func TestMetricsResponseWriter_WriteHeaderOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	mrw := newMetricsResponseWriter(rec)
	mrw.WriteHeader(http.StatusConflict)
	mrw.WriteHeader(http.StatusOK)

	if mrw.statusCode != http.StatusConflict {
		t.Errorf("statusCode = %d, want 409", mrw.statusCode)
	}
}

func TestHTTPMetrics_CountsIdempotentReplays(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	replay := true
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if replay {
			w.Header().Set(IdempotentReplayHeader, "true")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", nil))
	replay = false
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", nil))

	metrics := gatherCounter(t, reg, MetricIdempotentReplays)
	if len(metrics) != 1 {
		t.Fatalf("expected one series, got %d", len(metrics))
	}
	if got := labelValue(metrics[0], "route"); got != "/orders" {
		t.Errorf("route label = %q, want /orders", got)
	}
	if got := metrics[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}
}
