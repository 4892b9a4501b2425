package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/boxoffice/internal/auth"
	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/events"
	"github.com/onnwee/boxoffice/internal/gateway"
	"github.com/onnwee/boxoffice/internal/gateway/gatewaytest"
	"github.com/onnwee/boxoffice/internal/idempotency"
	"github.com/onnwee/boxoffice/internal/middleware"
	"github.com/onnwee/boxoffice/internal/order"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
	"github.com/onnwee/boxoffice/internal/resource"
	"github.com/onnwee/boxoffice/internal/seat"
	"github.com/onnwee/boxoffice/internal/ticket"
	"github.com/onnwee/boxoffice/internal/user"
	"github.com/onnwee/boxoffice/internal/voucher"
)

const (
	testWebhookSecret = "whsec_test"
	testStaffSecret   = "staff-secret-for-tests-only"
	testTicketSecret  = "ticket-secret-for-tests-only"
)

// testServer is the full pipeline on in-memory stores behind NewRouter.
type testServer struct {
	handler     http.Handler
	gw          *gatewaytest.Fake
	payments    *payment.InMemoryRepository
	webhooks    *payment.InMemoryWebhookRepository
	enrollments *enrollment.InMemoryRepository
	resources   *resource.InMemoryRepository
	vouchers    *voucher.InMemoryStore
	seats       *seat.InMemoryReserver
	issuer      *ticket.Issuer
	jwt         *auth.JWTService
	events      *events.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		gw:          gatewaytest.New(testWebhookSecret),
		payments:    payment.NewInMemoryRepository(),
		webhooks:    payment.NewInMemoryWebhookRepository(),
		enrollments: enrollment.NewInMemoryRepository(),
		resources:   resource.NewInMemoryRepository(),
		vouchers:    voucher.NewInMemoryStore(),
		seats:       seat.NewInMemoryReserver(),
		issuer:      ticket.NewIssuer(testTicketSecret),
		jwt:         auth.NewJWTService(testStaffSecret, ""),
		events:      &events.Recorder{},
	}
	s.resources.Put(&resource.Resource{
		ID: "res-1", Type: resource.TypeEvent, Title: "Friday Night Live", Status: resource.StatusLive,
		DefaultPrice: decimal.NewNullDecimal(decimal.NewFromInt(500)),
		Capacity:     100, Available: 100,
	})
	s.vouchers.Put(&voucher.Voucher{Code: "FEST", MaxUsage: 1, IsActive: true,
		DiscountType: voucher.DiscountFlat, DiscountValue: decimal.NewFromInt(100)})

	vouchers := voucher.NewService(s.vouchers, nil)
	qr := ticket.NewQRService(s.issuer, s.enrollments, nil, nil)
	machine := reconcile.New(reconcile.Deps{
		Payments:    s.payments,
		Enrollments: enrollment.NewService(s.enrollments, user.NewInMemoryRepository(), s.resources, nil),
		Vouchers:    vouchers,
		Seats:       s.seats,
		Resources:   s.resources,
		Gateway:     s.gw,
		Tickets:     qr,
		Events:      s.events,
	})
	orders := order.NewService(order.Deps{
		Resources:   s.resources,
		Enrollments: s.enrollments,
		Vouchers:    vouchers,
		Seats:       s.seats,
		Gateway:     s.gw,
		Payments:    s.payments,
		Resyncer:    machine,
		Events:      s.events,
	})

	s.handler = NewRouter(RouterConfig{
		Orders:      NewOrderHandlers(orders, nil),
		Webhooks:    NewWebhookHandlers(s.gw, machine, s.webhooks, "", nil),
		Vouchers:    NewVoucherHandlers(vouchers, nil),
		Tickets:     NewTicketHandlers(qr, ticket.NewVerifier(s.issuer, s.enrollments, s.events, nil, nil), nil),
		Health:      NewHealthHandlers(HealthHandlersConfig{}),
		Staff:       s.jwt,
		Idempotency: idempotency.NewInMemoryRepository(),
		RateLimits:  middleware.NewInMemoryRateLimitStore(),
		Metrics:     middleware.NewMetrics(),
	})
	return s
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) staffToken(t *testing.T, role string) string {
	t.Helper()
	tok, err := s.jwt.GenerateStaffToken("staff-"+role, role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateStaffToken: %v", err)
	}
	return "Bearer " + tok
}

// deliver sends a signed webhook for ev and returns the response.
func (s *testServer) deliver(t *testing.T, ev gateway.Event) *httptest.ResponseRecorder {
	t.Helper()
	payload := `{"id":"` + ev.ID + `"}`
	s.gw.Deliver(payload, ev)
	return s.do(t, http.MethodPost, "/webhooks/payment", payload,
		map[string]string{DefaultSignatureHeader: testWebhookSecret})
}

func orderBody() map[string]any {
	return map[string]any{
		"buyer":       map[string]string{"name": "Asha", "phone": "+91 98765 43210", "email": "asha@example.com"},
		"attendees":   []map[string]string{{"name": "Ravi", "phone": "9123456780"}},
		"resourceId":  "res-1",
		"voucherCode": "FEST",
	}
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %s: %v", w.Body.String(), err)
	}
	return v
}

// TestPipeline_OrderToScan walks one order through checkout, capture, QR
// rendering, gate scan and refund.
func TestPipeline_OrderToScan(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w := s.do(t, http.MethodPost, "/orders", orderBody(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: status %d, body %s", w.Code, w.Body.String())
	}
	created := decodeJSON[CreateOrderResponse](t, w)
	if created.OrderID == "" || created.PaymentURL == "" {
		t.Fatalf("missing order id or payment url: %+v", created)
	}
	if len(created.ClaimedVoucherPhones) != 1 || created.ClaimedVoucherPhones[0] != "9876543210" {
		t.Errorf("claimed phones = %v, want the buyer only", created.ClaimedVoucherPhones)
	}
	if !created.FinalAmount.Equal(decimal.NewFromInt(900)) {
		t.Errorf("final amount = %s, want 900", created.FinalAmount)
	}

	w = s.do(t, http.MethodGet, "/orders/"+created.OrderID+"/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if st := decodeJSON[OrderStatusResponse](t, w); st.Status != string(payment.StatusPending) {
		t.Errorf("status = %s, want PENDING", st.Status)
	}

	ev := gateway.Event{ID: "evt_1", Type: "checkout.session.completed", Kind: gateway.KindCaptured,
		OrderID: created.OrderID, PaymentID: "pi_1"}
	if w := s.deliver(t, ev); w.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", w.Code, w.Body.String())
	}
	// Redelivery is acknowledged without reprocessing.
	if w := s.deliver(t, ev); w.Code != http.StatusOK {
		t.Fatalf("redelivered webhook: %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/orders/"+created.OrderID+"/status", nil, nil)
	st := decodeJSON[OrderStatusResponse](t, w)
	if st.Status != string(payment.StatusSuccess) || st.GatewayPaymentID != "pi_1" {
		t.Fatalf("after capture: %+v", st)
	}

	e, err := s.enrollments.GetByOrderID(ctx, created.OrderID)
	if err != nil {
		t.Fatalf("enrollment not created: %v", err)
	}
	if len(e.Tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(e.Tickets))
	}

	// QR needs the admin role.
	qrPath := "/tickets/" + e.ID + "/qr/9123456780"
	if w := s.do(t, http.MethodGet, qrPath, nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("qr without token: %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, qrPath, nil, map[string]string{"Authorization": s.staffToken(t, auth.RoleGate)}); w.Code != http.StatusForbidden {
		t.Errorf("qr with gate role: %d", w.Code)
	}
	w = s.do(t, http.MethodGet, qrPath, nil, map[string]string{"Authorization": s.staffToken(t, auth.RoleAdmin)})
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != ticket.QRContentType || w.Body.Len() == 0 {
		t.Fatalf("qr: %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	token, err := s.issuer.Issue(e.ID, e.BuyerUserID, e.ResourceID, "9123456780")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	gate := map[string]string{"Authorization": s.staffToken(t, auth.RoleGate)}
	w = s.do(t, http.MethodGet, "/tickets/verify?token="+token, nil, gate)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
	scan := decodeJSON[ticket.ScanResult](t, w)
	if scan.AlreadyScanned || scan.ScannedByAdminID != "staff-gate" {
		t.Errorf("first scan: %+v", scan)
	}
	w = s.do(t, http.MethodGet, "/tickets/verify?token="+token, nil, gate)
	if scan := decodeJSON[ticket.ScanResult](t, w); !scan.AlreadyScanned {
		t.Error("second scan should report already scanned")
	}

	refund := gateway.Event{ID: "evt_2", Type: "charge.refunded", Kind: gateway.KindRefunded,
		OrderID: created.OrderID, PaymentID: "pi_1"}
	if w := s.deliver(t, refund); w.Code != http.StatusOK {
		t.Fatalf("refund webhook: %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/tickets/verify?token="+token, nil, gate)
	if w.Code != http.StatusConflict {
		t.Errorf("verify after refund: %d, want 409", w.Code)
	}
}

func TestPipeline_IdempotentCheckout(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{middleware.IdempotencyKeyHeader: "checkout-1"}

	first := s.do(t, http.MethodPost, "/orders", orderBody(), headers)
	second := s.do(t, http.MethodPost, "/orders", orderBody(), headers)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("statuses %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replayed response differs")
	}
	if len(s.gw.Orders) != 1 {
		t.Errorf("gateway saw %d orders, want 1", len(s.gw.Orders))
	}
}

func TestRouter_NotFoundAndRoot(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path: %d", w.Code)
	}
	if d := decodeError(t, w); d.Code != ErrCodeNotFound {
		t.Errorf("code = %s", d.Code)
	}

	w = s.do(t, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), ServiceName) {
		t.Errorf("root: %d %s", w.Code, w.Body.String())
	}

	if w := s.do(t, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header on every response")
	}
}

func TestRouter_OrderRateLimit(t *testing.T) {
	s := newTestServer(t)
	limit := middleware.DefaultOrderLimit().RequestsPerWindow

	var last *httptest.ResponseRecorder
	for i := 0; i <= limit; i++ {
		last = s.do(t, http.MethodPost, "/orders", `{}`, nil)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("request %d: status %d, want 429", limit+1, last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
