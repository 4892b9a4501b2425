// Package gateway abstracts the external card/UPI payment processor.
//
// The pipeline only needs four things from a gateway: open an order, hand
// out a hosted payment link for it, report its current status, and turn a
// signed webhook delivery into a normalized Event. Signature verification
// always happens on the raw payload before anything is parsed.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature is returned by ParseWebhook when the payload is not
	// signed with the configured secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned for a correctly signed payload that cannot
	// be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrLinkUnavailable is returned by CreatePaymentLink when the order can no
	// longer be paid.
	ErrLinkUnavailable = errors.New("payment link unavailable")

	ErrOrderNotFound = errors.New("gateway order not found")
)

// Kind is the normalized meaning of a gateway event or status.
type Kind string

const (
	KindPending  Kind = "pending"
	KindCaptured Kind = "captured"
	KindFailed   Kind = "failed"
	KindRefunded Kind = "refunded"
	// KindIgnored marks events the pipeline acknowledges without acting on.
	KindIgnored Kind = "ignored"
)

// Event is a verified, normalized gateway notification. OrderID or
// PaymentID (or both) identify the Payment it refers to.
type Event struct {
	ID            string
	Type          string // gateway-specific event type
	Kind          Kind
	OrderID       string
	PaymentID     string
	FailureReason string
}

// OrderRequest describes the order to open at the gateway.
type OrderRequest struct {
	Amount      decimal.Decimal
	Description string
	BuyerEmail  string
	Metadata    map[string]string
}

// Order is an opened gateway order. ID becomes the Payment's orderId.
type Order struct {
	ID       string
	Amount   decimal.Decimal
	Currency string
}

// Link is a hosted payment page for an order.
type Link struct {
	OrderID string
	URL     string
}

// Gateway is the payment processor contract consumed by the pipeline.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CreatePaymentLink(ctx context.Context, orderID string) (*Link, error)
	// FetchStatus reports the gateway's view of an order as an Event with an
	// empty ID. Kind is KindPending while the order is still payable.
	FetchStatus(ctx context.Context, orderID string) (*Event, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// MinorUnits converts a decimal amount to the gateway's integer minor units
// (paise, cents), rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back to a decimal amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
