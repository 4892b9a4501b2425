package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/boxoffice/internal/auth"
)

// TokenValidator validates staff access tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireStaff rejects requests without a valid staff bearer token holding
// role with 401 (missing, malformed or expired token) or 403 (wrong role).
// On success the staff id is stored with SetStaffID.
func RequireStaff(validator TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="boxoffice"`)
				writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", "staff authentication required")
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				msg := "invalid staff token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "staff token has expired"
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="boxoffice", error="invalid_token"`)
				writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", msg)
				return
			}
			if !claims.HasRole(role) {
				r = r.WithContext(SetStaffID(r.Context(), claims.Subject))
				writeMiddlewareError(w, r, http.StatusForbidden, "forbidden", "staff role "+claims.Role+" cannot access this endpoint")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetStaffID(r.Context(), claims.Subject)))
		})
	}
}
