package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/boxoffice/internal/auth"
)

func TestRequireStaff(t *testing.T) {
	svc := auth.NewJWTService("staff-secret", "")
	gateToken, _ := svc.GenerateStaffToken("staff-gate", auth.RoleGate, time.Hour)
	adminToken, _ := svc.GenerateStaffToken("staff-admin", auth.RoleAdmin, time.Hour)
	otherToken, _ := auth.NewJWTService("other", "").GenerateStaffToken("x", auth.RoleAdmin, time.Hour)

	var seen string
	protected := RequireStaff(svc, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetStaffID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantStaff  string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"bad signature", "Bearer " + otherToken, http.StatusUnauthorized, ""},
		{"wrong role", "Bearer " + gateToken, http.StatusForbidden, ""},
		{"admin", "Bearer " + adminToken, http.StatusOK, "staff-admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/tickets/e1/qr/9876543210", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			protected.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if seen != tt.wantStaff {
				t.Errorf("staff id = %q, want %q", seen, tt.wantStaff)
			}
			if w.Code == http.StatusUnauthorized && !strings.Contains(w.Body.String(), "auth_failed") {
				t.Errorf("unexpected body %s", w.Body.String())
			}
		})
	}
}

func TestRequireStaff_GateRoleAllowsAdmin(t *testing.T) {
	svc := auth.NewJWTService("staff-secret", "")
	adminToken, _ := svc.GenerateStaffToken("staff-admin", auth.RoleAdmin, time.Hour)

	h := RequireStaff(svc, auth.RoleGate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/tickets/verify?token=x", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
