package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/middleware"
	"github.com/onnwee/boxoffice/internal/ticket"
)

// Ticket error codes.
const (
	ErrCodeTokenExpired     = "token_expired"
	ErrCodeTokenInvalid     = "token_invalid"
	ErrCodeTicketNotFound   = "ticket_not_found"
	ErrCodeTicketNotActive  = "ticket_not_active"
	ErrCodeEnrollmentAbsent = "enrollment_not_found"
)

// QRRenderer renders the QR image of one ticket.
type QRRenderer interface {
	Render(ctx context.Context, enrollmentID, phone string) ([]byte, error)
}

// TicketVerifier verifies and scans QR tokens.
type TicketVerifier interface {
	Verify(ctx context.Context, token, adminID string) (*ticket.ScanResult, error)
}

// TicketHandlers serves the staff ticket endpoints. Both routes sit behind
// middleware.RequireStaff.
type TicketHandlers struct {
	qr       QRRenderer
	verifier TicketVerifier
	logger   *slog.Logger
}

// NewTicketHandlers creates TicketHandlers.
func NewTicketHandlers(qr QRRenderer, verifier TicketVerifier, logger *slog.Logger) *TicketHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketHandlers{qr: qr, verifier: verifier, logger: logger}
}

// QRCode handles GET /tickets/{enrollmentId}/qr/{phone}.
func (h *TicketHandlers) QRCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enrollmentID := strings.TrimSpace(r.PathValue("enrollmentId"))
	phone := strings.TrimSpace(r.PathValue("phone"))
	if enrollmentID == "" || phone == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "enrollmentId and phone are required")
		return
	}

	img, err := h.qr.Render(ctx, enrollmentID, phone)
	if err != nil {
		h.writeTicketError(w, ctx, err)
		return
	}

	w.Header().Set("Content-Type", ticket.QRContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		h.logger.ErrorContext(ctx, "failed to write qr image", "error", err)
	}
}

// Verify handles GET /tickets/verify?token=. The authenticated staff id is
// recorded as the scanner.
func (h *TicketHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "token is required")
		return
	}

	res, err := h.verifier.Verify(ctx, token, middleware.GetStaffID(ctx))
	if err != nil {
		h.writeTicketError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, res)
}

func (h *TicketHandlers) writeTicketError(w http.ResponseWriter, ctx context.Context, err error) {
	var notActive *enrollment.NotActiveError
	switch {
	case errors.Is(err, ticket.ErrTokenExpired):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeTokenExpired, "Ticket has expired")
	case errors.Is(err, ticket.ErrTokenInvalid):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeTokenInvalid, "Invalid ticket")
	case errors.As(err, &notActive):
		WriteError(w, ctx, http.StatusConflict, ErrCodeTicketNotActive, "Ticket is "+string(notActive.Status))
	case errors.Is(err, enrollment.ErrTicketNotActive):
		WriteError(w, ctx, http.StatusConflict, ErrCodeTicketNotActive, "Ticket is not active")
	case errors.Is(err, enrollment.ErrEnrollmentNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeEnrollmentAbsent, "Enrollment not found")
	case errors.Is(err, enrollment.ErrTicketNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeTicketNotFound, "Ticket not found")
	default:
		h.logger.ErrorContext(ctx, "ticket operation failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
