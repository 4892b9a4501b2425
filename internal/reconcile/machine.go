// Package reconcile applies gateway events to Payments.
//
// Every status change is a compare-and-set on the stored Payment; only the
// caller that wins the transition runs its side effects, so duplicated or
// reordered webhook deliveries, status polls and the background sweeper can
// all feed the same Machine safely.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/events"
	"github.com/onnwee/boxoffice/internal/gateway"
	"github.com/onnwee/boxoffice/internal/notify"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/resource"
	"github.com/onnwee/boxoffice/internal/seat"
	"github.com/onnwee/boxoffice/internal/voucher"
)

const refundReason = "payment refunded"

// TicketPublisher renders and stores a ticket QR, returning its URL.
type TicketPublisher interface {
	Publish(ctx context.Context, e *enrollment.Enrollment, key string) (string, error)
}

// Deps are the collaborators of a Machine. Gateway, Notifier, Dispatcher,
// Tickets, Events and Metrics are optional.
type Deps struct {
	Payments    payment.Repository
	Enrollments *enrollment.Service
	Vouchers    *voucher.Service
	Seats       seat.Reserver
	Resources   resource.Repository
	Gateway     gateway.Gateway
	Tickets     TicketPublisher
	Notifier    notify.Notifier
	Dispatcher  *notify.Dispatcher
	Events      events.Publisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Outcome reports what Apply did.
type Outcome struct {
	Payment *payment.Payment
	From    payment.Status
	To      payment.Status
	// Applied is true only for the caller that performed the transition.
	Applied bool
}

// Machine is the payment state machine.
type Machine struct {
	Deps
	now func() time.Time
}

// New creates a Machine.
func New(d Deps) *Machine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	return &Machine{Deps: d, now: time.Now}
}

func target(k gateway.Kind) (payment.Status, bool) {
	switch k {
	case gateway.KindCaptured:
		return payment.StatusSuccess, true
	case gateway.KindFailed:
		return payment.StatusFailed, true
	case gateway.KindRefunded:
		return payment.StatusRefunded, true
	default:
		return "", false
	}
}

func (m *Machine) lookup(ctx context.Context, ev gateway.Event) (*payment.Payment, error) {
	if ev.OrderID != "" {
		p, err := m.Payments.GetByOrderID(ctx, ev.OrderID)
		if err == nil || !errors.Is(err, payment.ErrPaymentNotFound) || ev.PaymentID == "" {
			return p, err
		}
	}
	if ev.PaymentID != "" {
		return m.Payments.GetByGatewayPaymentID(ctx, ev.PaymentID)
	}
	return nil, payment.ErrPaymentNotFound
}

// Apply moves the Payment named by ev to the status ev implies. Illegal or
// already applied transitions are no-ops. An error means the event could not
// be durably applied and should be retried; payment.ErrPaymentNotFound is
// returned for events about orders this service never opened.
func (m *Machine) Apply(ctx context.Context, ev gateway.Event) (*Outcome, error) {
	p, err := m.lookup(ctx, ev)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Payment: p, From: p.Status, To: p.Status}

	to, ok := target(ev.Kind)
	if !ok {
		return out, nil
	}
	if p.Status == payment.StatusRefunded && to == payment.StatusRefunded {
		// A redelivered refund finishes a reversal that failed the first time.
		if err := m.reverse(ctx, p); err != nil {
			return nil, err
		}
		return out, nil
	}
	if !payment.CanTransition(p.Status, to) {
		m.Logger.DebugContext(ctx, "ignoring payment transition",
			slog.String("order_id", p.OrderID),
			slog.String("from", string(p.Status)),
			slog.String("to", string(to)),
			slog.String("event_type", ev.Type))
		return out, nil
	}

	patch := payment.Patch{GatewayPaymentID: ev.PaymentID, FailureReason: ev.FailureReason}
	if to == payment.StatusSuccess {
		at := m.now().UTC()
		patch.PurchaseTime = &at
	}
	if to == payment.StatusFailed && patch.FailureReason == "" {
		patch.FailureReason = "payment failed"
	}

	updated, err := m.Payments.Transition(ctx, p.OrderID, p.Status, to, patch)
	if err != nil {
		if errors.Is(err, payment.ErrStatusConflict) {
			m.Logger.InfoContext(ctx, "payment transition lost to concurrent update",
				slog.String("order_id", p.OrderID),
				slog.String("to", string(to)))
			return out, nil
		}
		return nil, fmt.Errorf("transition payment %s to %s: %w", p.OrderID, to, err)
	}

	m.Metrics.observeTransition(p.Status, to)
	m.Logger.InfoContext(ctx, "payment transitioned",
		slog.String("order_id", updated.OrderID),
		slog.String("from", string(p.Status)),
		slog.String("to", string(to)),
		slog.String("gateway_payment_id", updated.GatewayPaymentID))

	switch to {
	case payment.StatusSuccess:
		m.onSuccess(ctx, updated)
	case payment.StatusFailed:
		m.onFailed(ctx, updated)
	case payment.StatusRefunded:
		// The payment stays REFUNDED; the error makes the caller redeliver so
		// the reversal is retried.
		if err := m.onRefunded(ctx, updated); err != nil {
			return nil, err
		}
	}

	if fresh, err := m.Payments.GetByOrderID(ctx, updated.OrderID); err == nil {
		updated = fresh
	}
	return &Outcome{Payment: updated, From: p.Status, To: to, Applied: true}, nil
}

// Resync asks the gateway for the order's current status and applies it.
func (m *Machine) Resync(ctx context.Context, orderID string) (*Outcome, error) {
	if m.Gateway == nil {
		return nil, errors.New("no gateway configured")
	}
	ev, err := m.Gateway.FetchStatus(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch gateway status: %w", err)
	}
	ev.OrderID = orderID
	return m.Apply(ctx, *ev)
}

func (m *Machine) onSuccess(ctx context.Context, p *payment.Payment) {
	// Only the transition winner reaches this point. Enroll may run again from
	// the repair job; Confirm must not.
	if err := m.Vouchers.Confirm(ctx, p.Metadata.VoucherID, len(p.Metadata.VoucherPhones)); err != nil {
		m.Logger.ErrorContext(ctx, "failed to confirm voucher usage",
			slog.String("order_id", p.OrderID),
			slog.String("voucher_id", p.Metadata.VoucherID),
			slog.String("error", err.Error()))
	}

	res, err := m.Enroll(ctx, p)
	if err != nil {
		m.Logger.ErrorContext(ctx, "enrollment creation failed",
			slog.String("order_id", p.OrderID),
			slog.String("error", err.Error()))
	}

	ev := paymentEvent(p)
	if res != nil {
		ev.EnrollmentID = res.Enrollment.ID
	}
	m.publish(ctx, events.SubjectPaymentSucceeded, ev)
}

// Enroll creates the enrollment for a SUCCESS payment, links it to the
// payment and schedules the ticket notifications when the enrollment is new.
// It is safe to call again for the same payment.
func (m *Machine) Enroll(ctx context.Context, p *payment.Payment) (*enrollment.Result, error) {
	res, err := m.Enrollments.Create(ctx, p)
	if errors.Is(err, enrollment.ErrActiveTicketExists) {
		m.flagForRefund(ctx, p, "no tickets issued: every holder already has an active ticket for this resource")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if len(res.Skipped) > 0 {
		m.flagForRefund(ctx, p, fmt.Sprintf("%d of %d tickets not issued: holder already has an active ticket for this resource",
			len(res.Skipped), len(res.Skipped)+res.Enrollment.TicketCount))
	}
	if err := m.Payments.SetEnrollment(ctx, p.OrderID, res.Enrollment.ID); err != nil {
		m.Logger.ErrorContext(ctx, "failed to link enrollment to payment",
			slog.String("order_id", p.OrderID),
			slog.String("enrollment_id", res.Enrollment.ID),
			slog.String("error", err.Error()))
	}
	if res.Created {
		m.notifyTickets(p, res.Enrollment)
	}
	return res, nil
}

// flagForRefund marks a paid order whose tickets could not all be issued.
// The reason keeps the payment out of the enrollment repair queue.
func (m *Machine) flagForRefund(ctx context.Context, p *payment.Payment, reason string) {
	m.Metrics.observeRefundFlag()
	m.Logger.ErrorContext(ctx, "paid order needs a manual refund",
		slog.String("order_id", p.OrderID),
		slog.String("reason", reason))
	if err := m.Payments.SetFailureReason(ctx, p.OrderID, reason); err != nil {
		m.Logger.ErrorContext(ctx, "failed to flag payment for refund",
			slog.String("order_id", p.OrderID),
			slog.String("error", err.Error()))
	}
}

func (m *Machine) onFailed(ctx context.Context, p *payment.Payment) {
	m.releaseReservations(ctx, p)
	m.publish(ctx, events.SubjectPaymentFailed, paymentEvent(p))
}

func (m *Machine) onRefunded(ctx context.Context, p *payment.Payment) error {
	err := m.reverse(ctx, p)
	m.releaseReservations(ctx, p)
	m.publish(ctx, events.SubjectPaymentRefunded, paymentEvent(p))
	return err
}

// reverse refunds the order's tickets. It only flips tickets that are still
// ACTIVE, so running it again for a REFUNDED payment is harmless.
func (m *Machine) reverse(ctx context.Context, p *payment.Payment) error {
	e, changed, err := m.Enrollments.Reverse(ctx, p.OrderID, refundReason)
	if errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		m.Logger.WarnContext(ctx, "refund for order without enrollment",
			slog.String("order_id", p.OrderID))
		return nil
	}
	if err != nil {
		m.Logger.ErrorContext(ctx, "failed to reverse enrollment",
			slog.String("order_id", p.OrderID),
			slog.String("error", err.Error()))
		return fmt.Errorf("reverse enrollment for %s: %w", p.OrderID, err)
	}
	if changed > 0 {
		m.Logger.InfoContext(ctx, "tickets refunded",
			slog.String("order_id", p.OrderID),
			slog.String("enrollment_id", e.ID),
			slog.Int("tickets", changed))
	}
	return nil
}

// releaseReservations returns the order's voucher slots and seats. Releasing
// a confirmed voucher leaves its usage count untouched.
func (m *Machine) releaseReservations(ctx context.Context, p *payment.Payment) {
	if err := m.Vouchers.Release(ctx, p.Metadata.VoucherID, p.Metadata.VoucherPhones); err != nil {
		m.Logger.ErrorContext(ctx, "failed to release voucher slots",
			slog.String("order_id", p.OrderID),
			slog.String("voucher_id", p.Metadata.VoucherID),
			slog.String("error", err.Error()))
	}
	if m.Seats != nil && len(p.Metadata.Seats) > 0 {
		if err := m.Seats.Release(ctx, p.OrderID); err != nil {
			m.Logger.ErrorContext(ctx, "failed to release seats",
				slog.String("order_id", p.OrderID),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) publish(ctx context.Context, subject string, data any) {
	if err := m.Events.Publish(ctx, subject, data); err != nil {
		m.Logger.WarnContext(ctx, "failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func paymentEvent(p *payment.Payment) events.PaymentEvent {
	return events.PaymentEvent{
		OrderID:       p.OrderID,
		PaymentID:     p.GatewayPaymentID,
		ResourceID:    p.ResourceID,
		Status:        string(p.Status),
		Amount:        p.FinalAmount.StringFixed(2),
		EnrollmentID:  p.EnrollmentID,
		FailureReason: p.FailureReason,
		TicketCount:   p.Metadata.TicketCount,
	}
}
