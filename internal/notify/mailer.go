// Package notify sends the "file updated" email that follows a successful
// upload of the record table or the ledger. Sending is asynchronous: the
// Dispatcher queues messages on a bounded worker pool so a slow SMTP server
// never holds up a submission.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Attachment is a file snapshot taken when the message is queued.
type Attachment struct {
	Name string
	Data []byte
}

// Message is one plain-text email.
type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds the relay settings. STARTTLS is mandatory.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Enabled reports whether a relay is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

// Mailer sends messages through an SMTP relay with go-mail.
type Mailer struct {
	cfg SMTPConfig
}

// NewMailer returns a Mailer for cfg.
func NewMailer(cfg SMTPConfig) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mailer{cfg: cfg}
}

// Send implements Sender.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	em := mail.NewMsg()
	if err := em.From(m.cfg.From); err != nil {
		return fmt.Errorf("from %q: %w", m.cfg.From, err)
	}
	if err := em.To(msg.To...); err != nil {
		return fmt.Errorf("to %v: %w", msg.To, err)
	}
	em.Subject(msg.Subject)
	em.SetBodyString(mail.TypeTextPlain, msg.Body)
	for _, a := range msg.Attachments {
		if err := em.AttachReader(a.Name, bytes.NewReader(a.Data)); err != nil {
			return fmt.Errorf("attach %s: %w", a.Name, err)
		}
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	if m.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(m.cfg.Timeout))
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, em); err != nil {
		return fmt.Errorf("smtp send via %s: %w", m.cfg.Host, err)
	}
	return nil
}
