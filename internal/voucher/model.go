// Package voucher implements the discount voucher claim engine.
//
// A voucher has a fixed pool of MaxUsage slots. Phones enter ClaimedPhones when
// an order reserves a slot and leave it when the order fails, is refunded, or
// the holder redeems the voucher at the venue. UsageCount counts paid claims
// and never decreases. Every store operation is a single conditional update so
// that len(ClaimedPhones) <= MaxUsage holds under concurrent requests.
package voucher

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrVoucherNotFound = errors.New("voucher not found")

	// ErrExhausted is returned by Claim when appending the phones would exceed
	// MaxUsage. Callers treat it as "no slots left", including when another
	// request took the last slot first.
	ErrExhausted = errors.New("voucher exhausted")

	// ErrNotRedeemable is returned by Redeem when no voucher holds the phone,
	// either because it never claimed one or because it already redeemed.
	ErrNotRedeemable = errors.New("no voucher claim found for phone, or already redeemed")

	ErrNotApplicable = errors.New("voucher is inactive or does not apply to this resource")
)

// Discount types.
const (
	DiscountPercent = "PERCENT"
	DiscountFlat    = "FLAT"
)

// Voucher is a discount code with a bounded number of uses.
type Voucher struct {
	ID                  string          `json:"id"`
	Code                string          `json:"code"`
	MaxUsage            int             `json:"max_usage"`
	UsageCount          int             `json:"usage_count"`
	ClaimedPhones       []string        `json:"claimed_phones"`
	ApplicableResources []string        `json:"applicable_resources,omitempty"`
	IsActive            bool            `json:"is_active"`
	DiscountType        string          `json:"discount_type"`
	DiscountValue       decimal.Decimal `json:"discount_value"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// AppliesTo reports whether the voucher can be used for resourceID.
// An empty ApplicableResources list is unrestricted.
func (v *Voucher) AppliesTo(resourceID string) bool {
	if !v.IsActive {
		return false
	}
	return len(v.ApplicableResources) == 0 || slices.Contains(v.ApplicableResources, resourceID)
}

// AvailableSlots is the number of phones that can still claim.
func (v *Voucher) AvailableSlots() int {
	return max(v.MaxUsage-len(v.ClaimedPhones), 0)
}

// Holds reports whether phone currently occupies a slot.
func (v *Voucher) Holds(phone string) bool {
	return slices.Contains(v.ClaimedPhones, phone)
}

// DiscountFor returns the discount on one ticket at price. It never exceeds
// the price.
func (v *Voucher) DiscountFor(price decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch v.DiscountType {
	case DiscountPercent:
		d = price.Mul(v.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
	case DiscountFlat:
		d = v.DiscountValue
	default:
		return decimal.Zero
	}
	if d.GreaterThan(price) {
		return price
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (v *Voucher) clone() *Voucher {
	c := *v
	c.ClaimedPhones = slices.Clone(v.ClaimedPhones)
	c.ApplicableResources = slices.Clone(v.ApplicableResources)
	return &c
}
