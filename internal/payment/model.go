// Package payment provides the Payment record and its persistence.
//
// A Payment is created PENDING when an order is opened and afterwards only
// moves along PENDING -> SUCCESS|FAILED -> REFUNDED (refund only from
// SUCCESS). Every status change goes through Repository.Transition, which is
// a compare-and-set on the current status.
package payment

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Payment.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusRefunded Status = "REFUNDED"
)

// Type is the kind of resource a Payment buys.
type Type string

const (
	TypeEvent   Type = "EVENT"
	TypeSession Type = "SESSION"
	TypeOther   Type = "OTHER"
	TypeProduct Type = "PRODUCT"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusSuccess, StatusFailed},
	StatusSuccess: {StatusRefunded},
}

// CanTransition reports whether from -> to is a valid lifecycle edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Person identifies a buyer or attendee. Phone is normalized.
type Person struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone"`
	Email  string `json:"email,omitempty"`
}

// Metadata is the order-time snapshot of what the Payment reserved. It is an
// audit trail: vouchers and seats are released from these exact values.
type Metadata struct {
	Buyer         Person          `json:"buyer"`
	Attendees     []Person        `json:"attendees,omitempty"`
	VoucherID     string          `json:"voucher_id,omitempty"`
	VoucherCode   string          `json:"voucher_code,omitempty"`
	VoucherPhones []string        `json:"voucher_phones,omitempty"`
	Seats         []string        `json:"seats,omitempty"`
	TierID        string          `json:"tier_id,omitempty"`
	TicketCount   int             `json:"ticket_count"`
	TicketPrice   decimal.Decimal `json:"ticket_price"`
}

// Phones returns the buyer's phone followed by every attendee phone.
func (m Metadata) Phones() []string {
	out := make([]string, 0, 1+len(m.Attendees))
	out = append(out, m.Buyer.Phone)
	for _, a := range m.Attendees {
		out = append(out, a.Phone)
	}
	return out
}

// SeatFor returns the seat assigned to the i-th ticket holder, if any.
// Seats are assigned in the order of Phones().
func (m Metadata) SeatFor(i int) string {
	if i < len(m.Seats) {
		return m.Seats[i]
	}
	return ""
}

// Payment is one checkout attempt, keyed by the gateway order id.
type Payment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	PaymentLink      string          `json:"payment_link,omitempty"`
	Type             Type            `json:"type"`
	ResourceID       string          `json:"resource_id"`
	Amount           decimal.Decimal `json:"amount"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	Status           Status          `json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	PurchaseTime     *time.Time      `json:"purchase_time,omitempty"`
	EnrollmentID     string          `json:"enrollment_id,omitempty"`
	Metadata         Metadata        `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Patch carries the fields a transition may set alongside the new status.
// Empty values leave the stored field unchanged.
type Patch struct {
	GatewayPaymentID string
	FailureReason    string
	PurchaseTime     *time.Time
}

func (p *Payment) apply(to Status, patch Patch, now time.Time) {
	p.Status = to
	if patch.GatewayPaymentID != "" {
		p.GatewayPaymentID = patch.GatewayPaymentID
	}
	if patch.FailureReason != "" {
		p.FailureReason = patch.FailureReason
	}
	if patch.PurchaseTime != nil {
		t := *patch.PurchaseTime
		p.PurchaseTime = &t
	}
	p.UpdatedAt = now
}

func (p *Payment) clone() *Payment {
	c := *p
	if p.PurchaseTime != nil {
		t := *p.PurchaseTime
		c.PurchaseTime = &t
	}
	c.Metadata.Attendees = slices.Clone(p.Metadata.Attendees)
	c.Metadata.VoucherPhones = slices.Clone(p.Metadata.VoucherPhones)
	c.Metadata.Seats = slices.Clone(p.Metadata.Seats)
	return &c
}
