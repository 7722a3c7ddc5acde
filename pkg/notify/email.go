package notify

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// EmailSender delivers plain-text notification emails over SMTP. When no
// host is configured the sender is a no-op.
type EmailSender struct {
	host     string
	port     int
	from     string
	username string
	password string
	logger   *slog.Logger
}

// NewEmailSender creates an email sender.
func NewEmailSender(host string, port int, from, username, password string, logger *slog.Logger) *EmailSender {
	return &EmailSender{host: host, port: port, from: from, username: username, password: password, logger: logger}
}

// Enabled reports whether SMTP is configured.
func (e *EmailSender) Enabled() bool { return e.host != "" }

// Send delivers one email with a single retry on failure. Recipient and
// subject are rejected when they contain newlines (header injection).
func (e *EmailSender) Send(to, subject, body string) error {
	if !e.Enabled() {
		e.logger.Warn("SMTP not configured, email not sent", "subject", subject)
		return nil
	}

	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("email recipient contains invalid characters")
	}
	if strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("email subject contains invalid characters")
	}

	msg := strings.Join([]string{
		"From: " + e.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	var authMethod smtp.Auth
	if e.username != "" {
		authMethod = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	err := smtp.SendMail(addr, authMethod, e.from, []string{to}, []byte(msg))
	if err == nil {
		e.logger.Info("email sent", "to", to, "subject", subject)
		return nil
	}

	// Single retry for transient SMTP failures.
	e.logger.Warn("email send failed, retrying once", "error", err)
	if err := smtp.SendMail(addr, authMethod, e.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("email send failed after retry: %w", err)
	}
	e.logger.Info("email sent on retry", "to", to, "subject", subject)
	return nil
}
