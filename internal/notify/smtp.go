package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SMTPConfig configures the SMTP email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends email through an authenticated SMTP relay.
type SMTPSender struct {
	client *mail.Client
	from   string
}

// NewSMTPSender creates an SMTPSender. No connection is made until a send.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	c, err := mail.NewClient(cfg.Host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("init smtp client: %w", err)
	}
	return &SMTPSender{client: c, from: cfg.From}, nil
}

func buildMessage(from string, e Email) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(e.To); err != nil {
		return nil, fmt.Errorf("set to address: %w", err)
	}
	msg.Subject(e.Subject)
	msg.SetBodyString(mail.TypeTextHTML, e.HTML)
	return msg, nil
}

func (s *SMTPSender) SendEmail(ctx context.Context, e Email) error {
	msg, err := buildMessage(s.from, e)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
