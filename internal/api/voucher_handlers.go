package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/onnwee/boxoffice/internal/middleware"
	"github.com/onnwee/boxoffice/internal/validate"
	"github.com/onnwee/boxoffice/internal/voucher"
)

// Voucher error codes.
const (
	ErrCodeVoucherNotFound      = "voucher_not_found"
	ErrCodeVoucherExhausted     = "voucher_exhausted"
	ErrCodeVoucherNotApplicable = "voucher_not_applicable"
	ErrCodeNotRedeemable        = "voucher_not_redeemable"
)

// VoucherService is the voucher policy used by VoucherHandlers.
type VoucherService interface {
	ClaimEligible(ctx context.Context, code, resourceID string, phones []string) (*voucher.Claim, error)
	Redeem(ctx context.Context, phone string) (*voucher.Voucher, error)
}

// CheckAvailabilityRequest is the body of POST /vouchers/check-availability.
type CheckAvailabilityRequest struct {
	Code       string   `json:"code" validate:"required,max=64"`
	Phones     []string `json:"phones" validate:"required,min=1,max=21,dive,required,max=32"`
	ResourceID string   `json:"resourceId"`
}

// AvailabilityResponse reports the voucher slots held by the requested phones.
type AvailabilityResponse struct {
	VoucherID      string   `json:"voucherId"`
	Code           string   `json:"code"`
	ClaimedPhones  []string `json:"claimedPhones"`
	HeldPhones     []string `json:"heldPhones"`
	AvailableSlots int      `json:"availableSlots"`
	RequiredSlots  int      `json:"requiredSlots"`
}

// ExhaustedResponse is the 409 body when no phone could receive a slot.
type ExhaustedResponse struct {
	Error          ErrorDetail `json:"error"`
	HeldPhones     []string    `json:"heldPhones,omitempty"`
	AvailableSlots int         `json:"availableSlots"`
	RequiredSlots  int         `json:"requiredSlots"`
}

// RedeemResponse is returned by GET /vouchers/redeem.
type RedeemResponse struct {
	VoucherID     string `json:"voucherId"`
	Code          string `json:"code"`
	Phone         string `json:"phone"`
	DiscountType  string `json:"discountType"`
	DiscountValue string `json:"discountValue"`
	Redeemed      bool   `json:"redeemed"`
}

// VoucherHandlers serves voucher lookups and venue redemption.
type VoucherHandlers struct {
	vouchers VoucherService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewVoucherHandlers creates VoucherHandlers.
func NewVoucherHandlers(vouchers VoucherService, logger *slog.Logger) *VoucherHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoucherHandlers{vouchers: vouchers, validate: newValidator(), logger: logger}
}

// CheckAvailability handles POST /vouchers/check-availability. It claims
// slots for as many of the phones as the pool allows. A later checkout with
// the same code adopts the phones claimed here, and releases them if the
// order fails.
func (h *VoucherHandlers) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckAvailabilityRequest
	if !decodeBody(w, r, 16<<10, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, validationMessage(err))
		return
	}

	phones := make([]string, 0, len(req.Phones))
	seen := make(map[string]bool, len(req.Phones))
	for _, raw := range req.Phones {
		key, err := validate.Phone(raw)
		if err != nil {
			WriteError(w, ctx, http.StatusBadRequest, "invalid_phone", "Invalid phone number: "+validate.MaskPhone(raw))
			return
		}
		if !seen[key] {
			seen[key] = true
			phones = append(phones, key)
		}
	}

	claim, err := h.vouchers.ClaimEligible(ctx, strings.TrimSpace(req.Code), strings.TrimSpace(req.ResourceID), phones)
	if errors.Is(err, voucher.ErrExhausted) && claim != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeVoucherExhausted)
		middleware.UpdateResponseContext(w, ctx)
		writeJSON(w, ctx, http.StatusConflict, ExhaustedResponse{
			Error: ErrorDetail{
				Code:    ErrCodeVoucherExhausted,
				Message: "No voucher slots left for these phones",
			},
			HeldPhones:     claim.Held,
			AvailableSlots: claim.AvailableSlots,
			RequiredSlots:  claim.RequiredSlots,
		})
		return
	}
	if err != nil {
		h.writeVoucherError(w, ctx, err)
		return
	}

	if len(claim.Phones) > 0 {
		h.logger.InfoContext(ctx, "voucher slots claimed ahead of checkout",
			slog.String("voucher_id", claim.VoucherID),
			slog.Int("claimed", len(claim.Phones)))
	}
	writeJSON(w, ctx, http.StatusOK, AvailabilityResponse{
		VoucherID:      claim.VoucherID,
		Code:           claim.Code,
		ClaimedPhones:  nonNil(claim.Phones),
		HeldPhones:     nonNil(claim.Held),
		AvailableSlots: claim.AvailableSlots,
		RequiredSlots:  claim.RequiredSlots,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Redeem handles GET /vouchers/redeem?phone=. Redemption is idempotent: a
// phone whose benefit was already consumed gets 404.
func (h *VoucherHandlers) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := validate.Phone(r.URL.Query().Get("phone"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, "invalid_phone", "A valid phone query parameter is required")
		return
	}

	v, err := h.vouchers.Redeem(ctx, key)
	if err != nil {
		h.writeVoucherError(w, ctx, err)
		return
	}

	h.logger.InfoContext(ctx, "voucher redeemed",
		slog.String("voucher_id", v.ID),
		slog.String("phone", validate.MaskPhone(key)))
	writeJSON(w, ctx, http.StatusOK, RedeemResponse{
		VoucherID:     v.ID,
		Code:          v.Code,
		Phone:         key,
		DiscountType:  v.DiscountType,
		DiscountValue: v.DiscountValue.String(),
		Redeemed:      true,
	})
}

func (h *VoucherHandlers) writeVoucherError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, voucher.ErrVoucherNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeVoucherNotFound, "Voucher not found")
	case errors.Is(err, voucher.ErrNotApplicable):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeVoucherNotApplicable, "Voucher is not valid for this event")
	case errors.Is(err, voucher.ErrNotRedeemable):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotRedeemable, "No unredeemed voucher for this phone")
	default:
		h.logger.ErrorContext(ctx, "voucher operation failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
