// Package events publishes pipeline lifecycle events to NATS so downstream
// consumers (analytics, CRM sync) can follow orders without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects.
const (
	SubjectOrderCreated     = "boxoffice.order.created"
	SubjectPaymentSucceeded = "boxoffice.payment.succeeded"
	SubjectPaymentFailed    = "boxoffice.payment.failed"
	SubjectPaymentRefunded  = "boxoffice.payment.refunded"
	SubjectTicketScanned    = "boxoffice.ticket.scanned"
)

// Envelope wraps every published payload.
type Envelope struct {
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Publisher emits events. Publishing is fire-and-forget from the caller's
// point of view; errors are returned for logging only.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
}

// conn is the subset of *nats.Conn used by NATSPublisher.
type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes JSON envelopes on core NATS.
type NATSPublisher struct {
	conn   conn
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials url and returns the connection. The caller owns Close.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("boxoffice"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher creates a publisher on c.
func NewNATSPublisher(c conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: c, logger: logger, now: time.Now}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data any) error {
	if p.conn == nil {
		return nats.ErrConnectionClosed
	}
	body, err := json.Marshal(Envelope{Subject: subject, OccurredAt: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.DebugContext(ctx, "event published", "subject", subject)
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	Events []Envelope
}

func (r *Recorder) Publish(_ context.Context, subject string, data any) error {
	r.Events = append(r.Events, Envelope{Subject: subject, Data: data})
	return nil
}

// Subjects returns the subjects recorded so far, in order.
func (r *Recorder) Subjects() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Subject
	}
	return out
}

// PaymentEvent is the payload of the payment subjects.
type PaymentEvent struct {
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id,omitempty"`
	ResourceID    string `json:"resource_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	EnrollmentID  string `json:"enrollment_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	TicketCount   int    `json:"ticket_count"`
}

// ScanEvent is the payload of SubjectTicketScanned.
type ScanEvent struct {
	EnrollmentID   string `json:"enrollment_id"`
	ResourceID     string `json:"resource_id"`
	AdminID        string `json:"admin_id"`
	AlreadyScanned bool   `json:"already_scanned"`
}
