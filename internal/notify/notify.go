// Package notify delivers outbound email without blocking request handling.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
	// Kind labels the message in logs, e.g. "password_reset".
	Kind string
}

// Mailer sends a single message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Enqueuer accepts messages for asynchronous delivery. Implementations must
// not block the caller.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) bool
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for the given relay.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send delivers msg. The context bounds only the wait for the relay call to
// return, since net/smtp has no context support.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, []string{msg.To}, m.format(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "smtp send to %s", addr)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "smtp send")
	}
}

func (m *SMTPMailer) format(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// LogMailer writes messages to the context logger instead of sending them.
// Used when no SMTP relay is configured. Bodies are omitted because they may
// carry reset links.
type LogMailer struct{}

// Send logs msg metadata.
func (LogMailer) Send(ctx context.Context, msg Message) error {
	zctx.From(ctx).Info("Mail not sent, no SMTP relay configured",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("kind", msg.Kind),
	)
	return nil
}
