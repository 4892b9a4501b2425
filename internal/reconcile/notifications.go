package reconcile

import (
	"context"
	"log/slog"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/notify"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/validate"
)

// notifyTickets hands the ticket SMS and the confirmation email to the
// dispatcher. Without a dispatcher nothing is sent.
func (m *Machine) notifyTickets(p *payment.Payment, e *enrollment.Enrollment) {
	if m.Dispatcher == nil {
		return
	}
	m.Dispatcher.Enqueue(notify.Job{
		Name: "tickets:" + p.OrderID,
		Run: func(ctx context.Context) error {
			m.sendTickets(ctx, p, e)
			return nil
		},
	})
	m.Dispatcher.Enqueue(notify.Job{
		Name: "confirmation:" + p.OrderID,
		Run: func(ctx context.Context) error {
			return m.sendConfirmation(ctx, p, e)
		},
	})
}

func (m *Machine) resourceTitle(ctx context.Context, resourceID string) string {
	if m.Resources == nil {
		return ""
	}
	r, err := m.Resources.Get(ctx, resourceID)
	if err != nil {
		return ""
	}
	return r.Title
}

func (m *Machine) sendTickets(ctx context.Context, p *payment.Payment, e *enrollment.Enrollment) {
	title := m.resourceTitle(ctx, e.ResourceID)
	for key, t := range e.Tickets {
		var qrURL string
		if m.Tickets != nil {
			url, err := m.Tickets.Publish(ctx, e, key)
			if err != nil {
				m.Logger.WarnContext(ctx, "qr publish failed, sending ticket without link",
					slog.String("enrollment_id", e.ID),
					slog.String("phone", validate.MaskPhone(key)),
					slog.String("error", err.Error()))
			}
			qrURL = url
		}
		err := m.Notifier.SendTicket(ctx, notify.Ticket{
			Phone:         key,
			HolderName:    t.Name,
			ResourceTitle: title,
			EnrollmentID:  e.ID,
			Seat:          t.AssignedSeat,
			QRURL:         qrURL,
		})
		if err != nil {
			m.Logger.WarnContext(ctx, "ticket notification failed",
				slog.String("order_id", p.OrderID),
				slog.String("phone", validate.MaskPhone(key)),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) sendConfirmation(ctx context.Context, p *payment.Payment, e *enrollment.Enrollment) error {
	buyer := p.Metadata.Buyer
	if buyer.Email == "" {
		return nil
	}
	mail, err := notify.ConfirmationEmail(notify.Confirmation{
		To:            buyer.Email,
		BuyerName:     buyer.Name,
		ResourceTitle: m.resourceTitle(ctx, e.ResourceID),
		OrderID:       p.OrderID,
		TicketCount:   e.TicketCount,
		Amount:        p.FinalAmount.StringFixed(2),
	})
	if err != nil {
		return err
	}
	return m.Notifier.SendEmail(ctx, mail)
}
