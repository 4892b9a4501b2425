// Package resource models the bookable events and sessions tickets are sold for.
// Catalog management lives elsewhere; this package only exposes what the
// reservation pipeline reads (status, booking window, pricing, seating) and the
// available-capacity counter it adjusts.
package resource

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Resource types, mirrored on Payment.Type.
const (
	TypeEvent   = "EVENT"
	TypeSession = "SESSION"
	TypeOther   = "OTHER"
	TypeProduct = "PRODUCT"
)

// Resource statuses. Only live resources accept orders.
const (
	StatusDraft  = "draft"
	StatusLive   = "live"
	StatusClosed = "closed"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrTierNotFound     = errors.New("pricing tier not found")
	ErrNoPrice          = errors.New("resource has no price configured")
)

// Tier is a named price point on a resource.
type Tier struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Resource is an event or session that sells tickets.
type Resource struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	Title              string              `json:"title"`
	Status             string              `json:"status"`
	BookingOpensAt     *time.Time          `json:"booking_opens_at,omitempty"`
	BookingClosesAt    *time.Time          `json:"booking_closes_at,omitempty"`
	DefaultPrice       decimal.NullDecimal `json:"default_price"`
	Tiers              []Tier              `json:"tiers,omitempty"`
	HasSeatArrangement bool                `json:"has_seat_arrangement"`
	Capacity           int                 `json:"capacity"`
	Available          int                 `json:"available"`
	Sold               int                 `json:"sold"`
}

// AcceptingOrders reports whether the resource is live and now falls inside
// its booking window. Missing bounds are open.
func (r *Resource) AcceptingOrders(now time.Time) bool {
	if r.Status != StatusLive {
		return false
	}
	if r.BookingOpensAt != nil && now.Before(*r.BookingOpensAt) {
		return false
	}
	if r.BookingClosesAt != nil && !now.Before(*r.BookingClosesAt) {
		return false
	}
	return true
}

// PriceFor resolves the per-ticket price. A non-empty tierID must name one of
// the resource's tiers; otherwise the default price applies.
func (r *Resource) PriceFor(tierID string) (decimal.Decimal, error) {
	if tierID != "" {
		for _, t := range r.Tiers {
			if t.ID == tierID {
				return t.Price, nil
			}
		}
		return decimal.Zero, ErrTierNotFound
	}
	if !r.DefaultPrice.Valid {
		return decimal.Zero, ErrNoPrice
	}
	return r.DefaultPrice.Decimal, nil
}

func (r *Resource) clone() *Resource {
	c := *r
	if r.Tiers != nil {
		c.Tiers = append([]Tier(nil), r.Tiers...)
	}
	return &c
}
