package order

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/onnwee/boxoffice/internal/apperr"
	"github.com/onnwee/boxoffice/internal/payment"
)

// StatusView is the public projection of a Payment.
type StatusView struct {
	OrderID          string          `json:"order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	Status           payment.Status  `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

func view(p *payment.Payment) *StatusView {
	return &StatusView{
		OrderID:          p.OrderID,
		GatewayPaymentID: p.GatewayPaymentID,
		Status:           p.Status,
		Amount:           p.FinalAmount,
		FailureReason:    p.FailureReason,
	}
}

// Status returns the order's payment status. A PENDING payment is resynced
// from the gateway once; resync failures fall back to the stored state.
func (s *Service) Status(ctx context.Context, orderID string) (*StatusView, error) {
	p, err := s.Payments.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, apperr.NotFound("order_not_found", "Order not found")
		}
		return nil, apperr.Internal("failed to load payment", err)
	}
	if p.Status != payment.StatusPending || s.Resyncer == nil {
		return view(p), nil
	}

	out, err := s.Resyncer.Resync(ctx, orderID)
	if err != nil {
		s.Logger.WarnContext(ctx, "status resync failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return view(p), nil
	}
	return view(out.Payment), nil
}
