package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
	// SessionTTL is how long a checkout session stays payable. Stripe accepts
	// 30 minutes to 24 hours.
	SessionTTL time.Duration
	// Backends overrides the Stripe API endpoint, used by tests.
	Backends *stripe.Backends
}

// Stripe implements Gateway on Stripe Checkout. A Checkout Session is the
// gateway order: its id is the orderId and its hosted URL is the payment
// link. The session's PaymentIntent id becomes the gatewayPaymentId.
type Stripe struct {
	sc     *client.API
	cfg    StripeConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewStripe creates a Stripe gateway.
func NewStripe(cfg StripeConfig, logger *slog.Logger) *Stripe {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "inr"
	}
	if cfg.SessionTTL < 30*time.Minute {
		cfg.SessionTTL = time.Hour
	}
	return &Stripe{
		sc:     client.New(cfg.APIKey, cfg.Backends),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Stripe event types the pipeline reacts to.
const (
	eventSessionCompleted      = "checkout.session.completed"
	eventSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventSessionAsyncFailed    = "checkout.session.async_payment_failed"
	eventSessionExpired        = "checkout.session.expired"
	eventChargeRefunded        = "charge.refunded"

	failureReasonExpired     = "checkout session expired"
	failureReasonAsyncFailed = "asynchronous payment failed"
)

func (s *Stripe) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	units := MinorUnits(req.Amount)
	if units <= 0 {
		return nil, fmt.Errorf("create checkout session: amount must be positive, got %s", req.Amount)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		ExpiresAt:  stripe.Int64(s.now().Add(s.cfg.SessionTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.cfg.Currency),
				UnitAmount: stripe.Int64(units),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(req.BuyerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	s.logger.DebugContext(ctx, "checkout session created",
		slog.String("order_id", sess.ID),
		slog.Int64("amount_minor", units))
	return &Order{
		ID:       sess.ID,
		Amount:   FromMinorUnits(sess.AmountTotal),
		Currency: string(sess.Currency),
	}, nil
}

func (s *Stripe) CreatePaymentLink(ctx context.Context, orderID string) (*Link, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.sc.CheckoutSessions.Get(orderID, params)
	if err != nil {
		return nil, mapStripeError("retrieve checkout session", err)
	}
	if sess.Status != stripe.CheckoutSessionStatusOpen || sess.URL == "" {
		return nil, fmt.Errorf("%w: session %s is %s", ErrLinkUnavailable, orderID, sess.Status)
	}
	return &Link{OrderID: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) FetchStatus(ctx context.Context, orderID string) (*Event, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("payment_intent.latest_charge")
	params.Context = ctx

	sess, err := s.sc.CheckoutSessions.Get(orderID, params)
	if err != nil {
		return nil, mapStripeError("retrieve checkout session", err)
	}
	ev := sessionEvent(sess)
	if ev.Kind == KindIgnored {
		ev.Kind = KindPending
	}
	if ev.Kind == KindCaptured && sess.PaymentIntent != nil &&
		sess.PaymentIntent.LatestCharge != nil && sess.PaymentIntent.LatestCharge.Refunded {
		ev.Kind = KindRefunded
	}
	return ev, nil
}

// sessionEvent maps the current state of a checkout session.
func sessionEvent(sess *stripe.CheckoutSession) *Event {
	ev := &Event{OrderID: sess.ID, Kind: KindIgnored}
	if sess.PaymentIntent != nil {
		ev.PaymentID = sess.PaymentIntent.ID
	}
	switch {
	case sess.Status == stripe.CheckoutSessionStatusComplete &&
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		ev.Kind = KindCaptured
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		ev.Kind = KindFailed
		ev.FailureReason = failureReasonExpired
	}
	return ev
}

func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return normalize(event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func normalize(event stripe.Event) (*Event, error) {
	out := &Event{ID: event.ID, Type: string(event.Type), Kind: KindIgnored}

	switch string(event.Type) {
	case eventSessionCompleted, eventSessionAsyncSucceeded, eventSessionAsyncFailed, eventSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		mapped := sessionEvent(&sess)
		out.OrderID = mapped.OrderID
		out.PaymentID = mapped.PaymentID
		switch string(event.Type) {
		case eventSessionCompleted, eventSessionAsyncSucceeded:
			// An unpaid completed session waits for the async result.
			if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
				out.Kind = KindCaptured
			}
		case eventSessionAsyncFailed:
			out.Kind = KindFailed
			out.FailureReason = failureReasonAsyncFailed
		case eventSessionExpired:
			out.Kind = KindFailed
			out.FailureReason = failureReasonExpired
		}

	case eventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		if ch.PaymentIntent != nil {
			out.PaymentID = ch.PaymentIntent.ID
		}
		// Partial refunds leave the tickets valid.
		if ch.Refunded {
			out.Kind = KindRefunded
		}
	}
	return out, nil
}

func mapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == 404 {
		return fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
