// Package notify delivers ticket SMS and order emails.
//
// Delivery is best effort: callers hand work to a Dispatcher and never wait
// for it, and a failed send is logged, never returned to the pipeline.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/onnwee/boxoffice/internal/validate"
)

// Ticket is the content of one ticket notification.
type Ticket struct {
	Phone         string
	HolderName    string
	ResourceTitle string
	EnrollmentID  string
	Seat          string
	QRURL         string
}

// Email is a single HTML email.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Notifier sends ticket and email notifications.
type Notifier interface {
	SendTicket(ctx context.Context, t Ticket) error
	SendEmail(ctx context.Context, e Email) error
}

// SMSSender delivers a text message to an E.164 phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// EmailSender delivers an Email.
type EmailSender interface {
	SendEmail(ctx context.Context, e Email) error
}

// Messenger implements Notifier on top of an SMS and an email channel.
// Either channel may be nil, in which case its messages are dropped.
type Messenger struct {
	sms         SMSSender
	email       EmailSender
	countryCode string
	logger      *slog.Logger
}

// NewMessenger creates a Messenger. countryCode is prefixed to normalized
// ten-digit phones, e.g. "91".
func NewMessenger(sms SMSSender, email EmailSender, countryCode string, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{sms: sms, email: email, countryCode: countryCode, logger: logger}
}

// E164 formats a stored phone for delivery.
func E164(phone, countryCode string) string {
	key := validate.PhoneKey(phone)
	return "+" + countryCode + key
}

func (m *Messenger) SendTicket(ctx context.Context, t Ticket) error {
	if m.sms == nil {
		m.logger.DebugContext(ctx, "sms channel disabled, skipping ticket",
			slog.String("phone", validate.MaskPhone(t.Phone)))
		return nil
	}
	return m.sms.SendSMS(ctx, E164(t.Phone, m.countryCode), TicketMessage(t))
}

func (m *Messenger) SendEmail(ctx context.Context, e Email) error {
	if m.email == nil || e.To == "" {
		return nil
	}
	if err := m.email.SendEmail(ctx, e); err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "email sent",
		slog.String("to", validate.MaskEmail(e.To)),
		slog.String("subject", e.Subject))
	return nil
}

// TicketMessage renders the SMS body for a ticket.
func TicketMessage(t Ticket) string {
	msg := fmt.Sprintf("Hi %s, your ticket for %s is confirmed.", firstNonEmpty(t.HolderName, "there"), t.ResourceTitle)
	if t.Seat != "" {
		msg += " Seat: " + t.Seat + "."
	}
	if t.QRURL != "" {
		msg += " Show this QR at the entry: " + t.QRURL
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<!doctype html>
<html><body>
<p>Hi {{.BuyerName}},</p>
<p>Your booking for <strong>{{.ResourceTitle}}</strong> is confirmed.</p>
<p>Order: {{.OrderID}}<br>Tickets: {{.TicketCount}}<br>Paid: {{.Amount}}</p>
<p>Each attendee will receive their QR ticket by SMS.</p>
</body></html>`))

// Confirmation is the data of an order confirmation email.
type Confirmation struct {
	To            string
	BuyerName     string
	ResourceTitle string
	OrderID       string
	TicketCount   int
	Amount        string
}

// ConfirmationEmail renders the order confirmation.
func ConfirmationEmail(c Confirmation) (Email, error) {
	if c.BuyerName == "" {
		c.BuyerName = "there"
	}
	var buf bytes.Buffer
	if err := confirmationTmpl.Execute(&buf, c); err != nil {
		return Email{}, fmt.Errorf("render confirmation email: %w", err)
	}
	return Email{
		To:      c.To,
		Subject: "Booking confirmed: " + c.ResourceTitle,
		HTML:    buf.String(),
	}, nil
}

// Noop discards every notification.
type Noop struct{}

func (Noop) SendTicket(context.Context, Ticket) error { return nil }
func (Noop) SendEmail(context.Context, Email) error   { return nil }
