// Package api provides the HTTP handlers of the boxoffice service and its
// standardized error responses.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/boxoffice/internal/apperr"
	"github.com/onnwee/boxoffice/internal/middleware"
)

// Error codes produced by the HTTP layer itself. Domain failures carry their
// own codes (seat_unavailable, duplicate_phone, ...) through apperr.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request body.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeAuthFailed indicates a missing or invalid credential.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeInvalidSignature indicates a webhook whose signature did not verify.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeNotFound indicates the requested entity was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeUpstream indicates the payment gateway failed.
	ErrCodeUpstream = "upstream_error"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse is the error envelope: {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and tags the
// request log line with code.
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "order not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err using its apperr classification. Internal errors
// are logged and their detail hidden from the client.
func writeAppError(w http.ResponseWriter, ctx context.Context, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInternal:
		slog.ErrorContext(ctx, "request failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	case apperr.KindUpstream:
		slog.WarnContext(ctx, "upstream failure", "code", apperr.CodeOf(err), "error", err)
	}
	WriteError(w, ctx, StatusForKind(kind), apperr.CodeOf(err), apperr.MessageOf(err))
}

// writeJSON encodes v with status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
