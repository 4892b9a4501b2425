package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/boxoffice/internal/gateway"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
)

// DefaultSignatureHeader carries the gateway's webhook signature.
const DefaultSignatureHeader = "Stripe-Signature"

// maxWebhookBody matches the largest event payload the gateway documents.
const maxWebhookBody = 256 << 10

// EventApplier applies a verified gateway event to a payment.
type EventApplier interface {
	Apply(ctx context.Context, ev gateway.Event) (*reconcile.Outcome, error)
}

// WebhookHandlers receives payment gateway webhooks.
type WebhookHandlers struct {
	gateway         gateway.Gateway
	machine         EventApplier
	webhookRepo     payment.WebhookRepository
	signatureHeader string
	logger          *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance. An empty
// signatureHeader selects DefaultSignatureHeader.
func NewWebhookHandlers(gw gateway.Gateway, machine EventApplier, webhookRepo payment.WebhookRepository, signatureHeader string, logger *slog.Logger) *WebhookHandlers {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		gateway:         gw,
		machine:         machine,
		webhookRepo:     webhookRepo,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// HandlePaymentWebhook handles POST /webhooks/payment.
//
// The signature is checked over the raw body before anything is parsed. Once
// verified, the event is acknowledged with 200 unless it could not be durably
// applied, in which case 500 asks the gateway to redeliver.
func (h *WebhookHandlers) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get(h.signatureHeader)
	if signature == "" {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "missing "+h.signatureHeader+" header")
		return
	}

	ev, err := h.gateway.ParseWebhook(body, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
			WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "invalid signature")
			return
		}
		h.logger.WarnContext(ctx, "malformed webhook event", "error", err)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "malformed event")
		return
	}

	// Minimal event info only, never the payload
	h.logger.InfoContext(ctx, "webhook event received",
		"event_type", ev.Type, "event_id", ev.ID, "order_id", ev.OrderID)

	if ev.ID != "" {
		done, err := h.webhookRepo.HasProcessed(ctx, ev.ID)
		if err != nil {
			h.logger.WarnContext(ctx, "failed to check webhook event log", "event_id", ev.ID, "error", err)
		} else if done {
			h.logger.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", ev.ID)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	if ev.Kind == gateway.KindIgnored {
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", ev.Type, "event_id", ev.ID)
		h.record(ctx, ev)
		w.WriteHeader(http.StatusOK)
		return
	}

	out, err := h.machine.Apply(ctx, *ev)
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		// Not an order this service opened; redelivery would not help.
		h.logger.WarnContext(ctx, "webhook for unknown order",
			"event_id", ev.ID, "order_id", ev.OrderID, "gateway_payment_id", ev.PaymentID)
	case err != nil:
		h.logger.ErrorContext(ctx, "failed to apply webhook event",
			"event_id", ev.ID, "order_id", ev.OrderID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	case out.Applied:
		h.logger.InfoContext(ctx, "webhook applied",
			"event_id", ev.ID, "order_id", out.Payment.OrderID,
			"from", string(out.From), "to", string(out.To))
	}

	h.record(ctx, ev)
	w.WriteHeader(http.StatusOK)
}

// record adds ev to the processed event log. Failures only cost a redundant
// re-apply on redelivery, which the payment status guard absorbs.
func (h *WebhookHandlers) record(ctx context.Context, ev *gateway.Event) {
	if ev.ID == "" {
		return
	}
	err := h.webhookRepo.RecordEvent(ctx, ev.ID, ev.Type)
	if err != nil && !errors.Is(err, payment.ErrEventAlreadyProcessed) {
		h.logger.WarnContext(ctx, "failed to record webhook event", "event_id", ev.ID, "error", err)
	}
}
