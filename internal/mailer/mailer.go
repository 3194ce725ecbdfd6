// Package mailer builds and delivers outbound messages. The only transport
// shipped is LogMailer, which writes each message to the structured log.
package mailer

import (
	"context"
	"log/slog"
)

// Email is a rendered email.
type Email struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// SMS is a rendered text message.
type SMS struct {
	To   string
	Body string
}

// Mailer delivers messages.
type Mailer interface {
	SendEmail(ctx context.Context, e Email) error
	SendSMS(ctx context.Context, m SMS) error
}

// LogMailer logs messages instead of delivering them. Bodies carry invite
// links and verification codes, so they are logged at Debug only; Info
// records the envelope.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer returns a LogMailer writing to log.
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// SendEmail logs e.
func (m *LogMailer) SendEmail(ctx context.Context, e Email) error {
	m.log.InfoContext(ctx, "email queued", "to", e.To, "subject", e.Subject, "bytes", len(e.TextBody))
	m.log.DebugContext(ctx, "email body", "to", e.To, "body", e.TextBody)
	return nil
}

// SendSMS logs s.
func (m *LogMailer) SendSMS(ctx context.Context, s SMS) error {
	m.log.InfoContext(ctx, "sms queued", "to", s.To, "bytes", len(s.Body))
	m.log.DebugContext(ctx, "sms body", "to", s.To, "body", s.Body)
	return nil
}
