// Package notify delivers alert notifications. Transport failures are the
// caller's concern to log; a sent-but-unconfirmed notification is preferred
// over a silent repeat.
package notify

import (
	"context"

	"github.com/wneessen/go-mail"

	"github.com/sitepulse/sitepulse/internal/config"
)

// Notifier sends one alert notification.
type Notifier interface {
	Send(ctx context.Context, email, subject, body string) error
}

// SMTPNotifier delivers notifications as plain-text email.
type SMTPNotifier struct {
	client *mail.Client
	from   string
}

func NewSMTPNotifier(cfg config.SMTPConfig) (*SMTPNotifier, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, err
	}

	return &SMTPNotifier{client: client, from: cfg.From}, nil
}

func (n *SMTPNotifier) Send(ctx context.Context, email, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return err
	}
	if err := msg.To(email); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	return n.client.DialAndSendWithContext(ctx, msg)
}
