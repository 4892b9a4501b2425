// Package order opens checkout orders.
//
// CreateOrder is a saga over four collaborators that share no transaction:
// the voucher pool, the payment gateway, the payment store and the seat
// reserver. Each step that can fail after an earlier one succeeded undoes
// the earlier ones explicitly.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/boxoffice/internal/apperr"
	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/events"
	"github.com/onnwee/boxoffice/internal/gateway"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
	"github.com/onnwee/boxoffice/internal/resource"
	"github.com/onnwee/boxoffice/internal/seat"
	"github.com/onnwee/boxoffice/internal/validate"
	"github.com/onnwee/boxoffice/internal/voucher"
)

// Person is a buyer or attendee as submitted.
type Person struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// Request is a checkout attempt.
type Request struct {
	Buyer         Person
	Attendees     []Person
	ResourceID    string
	TierID        string
	VoucherCode   string
	SelectedSeats []string
}

// Result is an opened order.
type Result struct {
	OrderID              string          `json:"order_id"`
	PaymentURL           string          `json:"payment_url,omitempty"`
	ClaimedVoucherPhones []string        `json:"claimed_voucher_phones,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	FinalAmount          decimal.Decimal `json:"final_amount"`
}

// Resyncer refreshes a payment from the gateway.
type Resyncer interface {
	Resync(ctx context.Context, orderID string) (*reconcile.Outcome, error)
}

// Deps are the collaborators of a Service. Events, Resyncer and Metrics are
// optional.
type Deps struct {
	Resources   resource.Repository
	Enrollments enrollment.Repository
	Vouchers    *voucher.Service
	Seats       seat.Reserver
	Gateway     gateway.Gateway
	Payments    payment.Repository
	Resyncer    Resyncer
	Events      events.Publisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Service opens orders and reports their status.
type Service struct {
	Deps
	now func() time.Time
}

// NewService creates an order Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Service{Deps: d, now: time.Now}
}

// checkout is the validated form of a Request.
type checkout struct {
	resource *resource.Resource
	buyer    payment.Person
	attendee []payment.Person
	phones   []string
	price    decimal.Decimal
	seats    []string
}

func (c *checkout) ticketCount() int { return len(c.phones) }

// CreateOrder validates req, reserves what it asks for and opens a payment
// link. When the link cannot be created the order stays PENDING: the result
// carries the order id alongside an Upstream error.
func (s *Service) CreateOrder(ctx context.Context, req Request) (*Result, error) {
	res, err := s.createOrder(ctx, req)
	s.Metrics.observeOrder(err)
	return res, err
}

func (s *Service) createOrder(ctx context.Context, req Request) (*Result, error) {
	c, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	claim := s.claimVoucher(ctx, req.VoucherCode, c)
	voucherPhones := claim.OrderPhones()
	release := func(step string) {
		if len(voucherPhones) == 0 {
			return
		}
		err := s.Vouchers.Release(ctx, claim.VoucherID, voucherPhones)
		s.Metrics.observeCompensation(step, err)
		if err != nil {
			s.Logger.ErrorContext(ctx, "compensation failed: voucher release",
				slog.String("compensation", step),
				slog.String("voucher_id", claim.VoucherID),
				slog.String("error", err.Error()))
		}
	}

	amount := c.price.Mul(decimal.NewFromInt(int64(c.ticketCount())))
	discount := decimal.Zero
	for range voucherPhones {
		discount = discount.Add(claim.Voucher.DiscountFor(c.price))
	}
	final := amount.Sub(discount)
	if !final.IsPositive() {
		release("free_order")
		return nil, apperr.Validation("free_order_unsupported", "orders must have a positive amount to pay")
	}

	order, err := s.Gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:      final,
		Description: fmt.Sprintf("%s x %d", c.resource.Title, c.ticketCount()),
		BuyerEmail:  c.buyer.Email,
		Metadata: map[string]string{
			"resource_id":  c.resource.ID,
			"ticket_count": fmt.Sprint(c.ticketCount()),
		},
	})
	if err != nil {
		release("gateway_order")
		s.Logger.ErrorContext(ctx, "gateway order failed",
			slog.String("resource_id", c.resource.ID),
			slog.String("error", err.Error()))
		return nil, apperr.Upstream("gateway_error", "Payment gateway unavailable", err)
	}

	p := &payment.Payment{
		OrderID:        order.ID,
		Type:           payment.Type(c.resource.Type),
		ResourceID:     c.resource.ID,
		Amount:         amount,
		DiscountAmount: discount,
		FinalAmount:    final,
		Status:         payment.StatusPending,
		Metadata: payment.Metadata{
			Buyer:         c.buyer,
			Attendees:     c.attendee,
			VoucherPhones: voucherPhones,
			Seats:         c.seats,
			TierID:        req.TierID,
			TicketCount:   c.ticketCount(),
			TicketPrice:   c.price,
		},
	}
	if len(voucherPhones) > 0 {
		p.Metadata.VoucherID = claim.VoucherID
		p.Metadata.VoucherCode = claim.Code
	}
	if err := s.Payments.Insert(ctx, p); err != nil {
		release("payment_insert")
		return nil, apperr.Internal("failed to record payment", err)
	}

	if len(c.seats) > 0 {
		if err := s.Seats.Reserve(ctx, c.resource.ID, c.seats, order.ID); err != nil {
			s.compensateSeatFailure(ctx, order.ID)
			release("seat_reservation")
			if errors.Is(err, seat.ErrSeatUnavailable) || errors.Is(err, seat.ErrDuplicateSeat) {
				return nil, apperr.Conflict("seat_unavailable", "One or more selected seats are not available").Wrap(err)
			}
			return nil, apperr.Upstream("seat_reservation_failed", "Seat reservation failed", err)
		}
	}

	result := &Result{
		OrderID:              order.ID,
		ClaimedVoucherPhones: voucherPhones,
		Amount:               amount,
		DiscountAmount:       discount,
		FinalAmount:          final,
	}

	s.Logger.InfoContext(ctx, "order opened",
		slog.String("order_id", order.ID),
		slog.String("resource_id", c.resource.ID),
		slog.Int("tickets", c.ticketCount()),
		slog.Int("voucher_phones", len(voucherPhones)),
		slog.String("final_amount", final.StringFixed(2)))
	if err := s.Events.Publish(ctx, events.SubjectOrderCreated, events.PaymentEvent{
		OrderID:     order.ID,
		ResourceID:  c.resource.ID,
		Status:      string(payment.StatusPending),
		Amount:      final.StringFixed(2),
		TicketCount: c.ticketCount(),
	}); err != nil {
		s.Logger.WarnContext(ctx, "failed to publish event", slog.String("error", err.Error()))
	}

	link, err := s.Gateway.CreatePaymentLink(ctx, order.ID)
	if err != nil {
		s.Logger.ErrorContext(ctx, "payment link creation failed, order left pending",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()))
		return result, apperr.Upstream("payment_link_failed", "Could not create payment link for order "+order.ID, err)
	}
	result.PaymentURL = link.URL
	if err := s.Payments.SetPaymentLink(ctx, order.ID, link.URL); err != nil {
		s.Logger.WarnContext(ctx, "failed to store payment link",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()))
	}
	return result, nil
}

func (s *Service) compensateSeatFailure(ctx context.Context, orderID string) {
	err := s.Payments.Delete(ctx, orderID)
	s.Metrics.observeCompensation("payment_delete", err)
	if err != nil {
		s.Logger.ErrorContext(ctx, "compensation failed: payment delete",
			slog.String("compensation", "payment_delete"),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}
}

// claimVoucher reserves voucher slots for as many phones as possible. Phones
// that already hold the code count as the order's voucher phones too. Any
// problem with the voucher leaves the order without a discount.
func (s *Service) claimVoucher(ctx context.Context, code string, c *checkout) *voucher.Claim {
	if code == "" {
		return nil
	}
	claim, err := s.Vouchers.ClaimEligible(ctx, code, c.resource.ID, c.phones)
	switch {
	case err == nil, errors.Is(err, voucher.ErrExhausted):
		if n := len(claim.OrderPhones()); n > 0 {
			outcome := "claimed"
			if n < len(c.phones) {
				outcome = "partial"
			}
			s.Metrics.observeVoucher(outcome)
			return claim
		}
		s.Metrics.observeVoucher("exhausted")
	case errors.Is(err, voucher.ErrVoucherNotFound), errors.Is(err, voucher.ErrNotApplicable):
		s.Metrics.observeVoucher("not_applicable")
	default:
		s.Metrics.observeVoucher("error")
		s.Logger.ErrorContext(ctx, "voucher claim failed, continuing without discount",
			slog.String("code", code),
			slog.String("error", err.Error()))
		return nil
	}
	s.Logger.InfoContext(ctx, "no voucher slots for order",
		slog.String("code", code),
		slog.String("resource_id", c.resource.ID))
	return nil
}

func (s *Service) validate(ctx context.Context, req Request) (*checkout, error) {
	r, err := s.Resources.Get(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, resource.ErrResourceNotFound) {
			return nil, apperr.NotFound("resource_not_found", "Resource not found")
		}
		return nil, apperr.Internal("failed to load resource", err)
	}
	if !r.AcceptingOrders(s.now()) {
		return nil, apperr.Validation("booking_closed", "Resource is not open for booking")
	}

	c := &checkout{resource: r}
	c.buyer, err = normalizePerson(req.Buyer, true, "buyer")
	if err != nil {
		return nil, err
	}
	c.phones = append(c.phones, c.buyer.Phone)
	for i, a := range req.Attendees {
		p, err := normalizePerson(a, false, fmt.Sprintf("attendee %d", i+1))
		if err != nil {
			return nil, err
		}
		c.attendee = append(c.attendee, p)
		c.phones = append(c.phones, p.Phone)
	}

	seen := make(map[string]bool, len(c.phones))
	for _, p := range c.phones {
		if seen[p] {
			return nil, apperr.Validation("duplicate_phone", "Phone "+validate.MaskPhone(p)+" appears more than once")
		}
		seen[p] = true
	}

	active, err := s.Enrollments.ActivePhones(ctx, r.ID, c.phones)
	if err != nil {
		return nil, apperr.Internal("failed to check existing tickets", err)
	}
	if len(active) > 0 {
		return nil, apperr.Validation("ticket_exists", "Phone "+validate.MaskPhone(active[0])+" already holds a ticket for this resource")
	}

	c.price, err = r.PriceFor(req.TierID)
	switch {
	case errors.Is(err, resource.ErrTierNotFound):
		return nil, apperr.Validation("tier_not_found", "Pricing tier not found")
	case err != nil:
		return nil, apperr.Validation("price_not_configured", "Resource has no price configured")
	}

	if r.HasSeatArrangement {
		if len(req.SelectedSeats) != c.ticketCount() {
			return nil, apperr.Validation("seat_count_mismatch",
				fmt.Sprintf("Select exactly %d seats, got %d", c.ticketCount(), len(req.SelectedSeats)))
		}
		c.seats = req.SelectedSeats
	}
	return c, nil
}

func normalizePerson(p Person, emailRequired bool, who string) (payment.Person, error) {
	phone, err := validate.Phone(p.Phone)
	if err != nil {
		return payment.Person{}, apperr.Validation("invalid_phone", "Invalid phone for "+who)
	}
	name, err := validate.Name(p.Name)
	if err != nil {
		return payment.Person{}, apperr.Validation("invalid_name", "Invalid name for "+who)
	}
	out := payment.Person{Name: name, Phone: phone}
	if p.Email == "" && !emailRequired {
		return out, nil
	}
	email, err := validate.Email(p.Email)
	if err != nil {
		return payment.Person{}, apperr.Validation("invalid_email", "Invalid email for "+who)
	}
	out.Email = email
	return out, nil
}
