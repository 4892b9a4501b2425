// Package enrollment manages the buyer-level purchase record and the
// per-attendee tickets it contains.
package enrollment

import (
	"errors"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrEnrollmentExists is returned by Insert when the buyer already holds an
	// enrollment for the resource, or the order already produced one.
	ErrEnrollmentExists = errors.New("enrollment already exists")

	// ErrActiveTicketExists is returned by Insert when one of the phones already
	// holds an ACTIVE ticket for the resource in another enrollment.
	ErrActiveTicketExists = errors.New("phone already holds an active ticket for this resource")

	ErrTicketNotFound  = errors.New("ticket not found")
	ErrTicketNotActive = errors.New("ticket is not active")
)

// NotActiveError reports the status of a ticket that is not ACTIVE. It
// matches ErrTicketNotActive.
type NotActiveError struct {
	Status TicketStatus
}

func (e *NotActiveError) Error() string {
	return "ticket is " + string(e.Status)
}

func (e *NotActiveError) Is(target error) bool {
	return target == ErrTicketNotActive
}

// TicketStatus is the state of a single ticket.
type TicketStatus string

const (
	TicketActive    TicketStatus = "ACTIVE"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketRefunded  TicketStatus = "REFUNDED"
)

// Ticket admits one phone holder to the resource.
type Ticket struct {
	Phone              string       `json:"phone"`
	HolderUserID       string       `json:"holder_user_id,omitempty"`
	Name               string       `json:"name,omitempty"`
	Status             TicketStatus `json:"status"`
	CancelledAt        *time.Time   `json:"cancelled_at,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
	IsScanned          bool         `json:"is_scanned"`
	ScannedAt          *time.Time   `json:"scanned_at,omitempty"`
	ScannedByAdminID   string       `json:"scanned_by_admin_id,omitempty"`
	AssignedSeat       string       `json:"assigned_seat,omitempty"`
}

// Enrollment groups the tickets bought by one order. Tickets is keyed by the
// phone the ticket was issued to; older rows may use country-code prefixed
// keys, so lookups go through FindTicket.
type Enrollment struct {
	ID          string             `json:"id"`
	OrderID     string             `json:"order_id"`
	PaymentID   string             `json:"payment_id"`
	BuyerUserID string             `json:"buyer_user_id"`
	ResourceID  string             `json:"resource_id"`
	TicketCount int                `json:"ticket_count"`
	TicketPrice decimal.Decimal    `json:"ticket_price"`
	Tickets     map[string]*Ticket `json:"tickets"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ActivePhones returns the keys of every ACTIVE ticket.
func (e *Enrollment) ActivePhones() []string {
	var out []string
	for k, t := range e.Tickets {
		if t.Status == TicketActive {
			out = append(out, k)
		}
	}
	return out
}

func (t *Ticket) clone() *Ticket {
	c := *t
	if t.CancelledAt != nil {
		v := *t.CancelledAt
		c.CancelledAt = &v
	}
	if t.ScannedAt != nil {
		v := *t.ScannedAt
		c.ScannedAt = &v
	}
	return &c
}

func (e *Enrollment) clone() *Enrollment {
	c := *e
	c.Tickets = maps.Clone(e.Tickets)
	for k, t := range c.Tickets {
		c.Tickets[k] = t.clone()
	}
	return &c
}
