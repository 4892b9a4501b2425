package voucher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// claimAttempts bounds how often ClaimEligible re-reads the pool after losing
// a race for the remaining slots.
const claimAttempts = 3

// Claim is the outcome of a best-effort claim for one order.
type Claim struct {
	VoucherID string
	Code      string
	Phones    []string // phones that received a slot, in request order
	// Held lists requested phones that already held a slot, typically from
	// an earlier check-availability call.
	Held           []string
	AvailableSlots int // slots left before this claim
	RequiredSlots  int // eligible phones that wanted a slot
	Voucher        *Voucher
}

// OrderPhones returns every requested phone holding a slot after the claim:
// the ones that already held one followed by the newly claimed ones.
func (c *Claim) OrderPhones() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Held)+len(c.Phones))
	out = append(out, c.Held...)
	return append(out, c.Phones...)
}

// Service applies the order-level voucher policy on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a voucher Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Plan computes which of phones would receive a slot without claiming
// anything: phones already holding the code are set aside in Held, and only
// the first AvailableSlots of the rest are kept.
func Plan(v *Voucher, phones []string) *Claim {
	eligible := make([]string, 0, len(phones))
	var held []string
	for _, p := range phones {
		if v.Holds(p) {
			held = append(held, p)
			continue
		}
		eligible = append(eligible, p)
	}
	slots := v.AvailableSlots()
	take := eligible[:min(slots, len(eligible))]
	return &Claim{
		VoucherID:      v.ID,
		Code:           v.Code,
		Phones:         take,
		Held:           held,
		AvailableSlots: slots,
		RequiredSlots:  len(eligible),
		Voucher:        v,
	}
}

// CheckAvailability reports what ClaimEligible would claim right now.
func (s *Service) CheckAvailability(ctx context.Context, code, resourceID string, phones []string) (*Claim, error) {
	v, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !v.AppliesTo(resourceID) {
		return nil, ErrNotApplicable
	}
	return Plan(v, phones), nil
}

// ClaimEligible reserves slots for as many of phones as the pool allows. It
// is partial by design: a claim with zero phones is a valid result, and
// ErrExhausted is only returned when no slot could be taken at all.
func (s *Service) ClaimEligible(ctx context.Context, code, resourceID string, phones []string) (*Claim, error) {
	var lastPlan *Claim
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		plan, err := s.CheckAvailability(ctx, code, resourceID, phones)
		if err != nil {
			return nil, err
		}
		lastPlan = plan
		if len(plan.Phones) == 0 {
			if plan.RequiredSlots > 0 {
				return plan, ErrExhausted
			}
			return plan, nil
		}

		v, err := s.store.Claim(ctx, code, plan.Phones)
		if err == nil {
			plan.Voucher = v
			s.logger.InfoContext(ctx, "voucher slots claimed",
				slog.String("voucher_id", v.ID),
				slog.Int("claimed", len(plan.Phones)),
				slog.Int("requested", len(phones)))
			return plan, nil
		}
		if !errors.Is(err, ErrExhausted) {
			return nil, fmt.Errorf("claim voucher %s: %w", code, err)
		}
		s.logger.DebugContext(ctx, "voucher claim lost race, retrying",
			slog.String("code", code),
			slog.Int("attempt", attempt))
	}
	return lastPlan, ErrExhausted
}

// Release returns phones to the pool. An empty phone list is a no-op.
func (s *Service) Release(ctx context.Context, voucherID string, phones []string) error {
	if voucherID == "" || len(phones) == 0 {
		return nil
	}
	return s.store.Release(ctx, voucherID, phones)
}

// Confirm records count paid uses.
func (s *Service) Confirm(ctx context.Context, voucherID string, count int) error {
	if voucherID == "" || count <= 0 {
		return nil
	}
	return s.store.Confirm(ctx, voucherID, count)
}

// Redeem consumes the benefit held by phone at the venue.
func (s *Service) Redeem(ctx context.Context, phone string) (*Voucher, error) {
	return s.store.Redeem(ctx, phone)
}
