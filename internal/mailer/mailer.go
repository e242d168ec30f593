package mailer

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/reviewzone/reward-fulfillment/internal/config"
)

// Sender is the notification gateway abstraction. Implementations report
// success or failure; they never retry on their own, the orchestrator owns
// retry semantics.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends mail over SMTP using gomail.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender creates a sender from mailer configuration.
func NewSMTPSender(cfg config.MailerConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send delivers one HTML message. gomail has no context support, so the
// dial-and-send runs in a goroutine and the context deadline wins the
// select; an expired context counts as a send failure to the caller.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send aborted: %w", ctx.Err())
	}
}
