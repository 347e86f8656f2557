package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/queries"
)

// EmailOptions parameterise SMTP delivery.
type EmailOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	AllValues  bool
	// Team marks the team distribution list variant, which never suppresses.
	Team bool
}

// Email delivers alerts over SMTP, one message per recipient so a rejected
// address does not block the rest of the list.
type Email struct {
	opts   EmailOptions
	logger zerolog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail constructs an SMTP sender.
func NewEmail(opts EmailOptions, logger zerolog.Logger) *Email {
	component := "alert_email"
	if opts.Team {
		component = "alert_team_email"
	}
	return &Email{
		opts:   opts,
		logger: logger.With().Str("component", component).Logger(),
		send:   smtp.SendMail,
	}
}

// Send delivers the notification to the configured recipient list. Member
// email suppresses NewReport notifications that are neither disputable nor
// removable unless all_values is set; the team list always sends.
func (e *Email) Send(ctx context.Context, note Notification) error {
	if !e.opts.Team && note.Report != nil && !e.opts.AllValues {
		report := note.Report
		disputable := report.Disputable != nil && *report.Disputable
		if !queries.AlwaysAlertTypes[report.QueryType] && !disputable && !report.Removable {
			return ErrSkipped
		}
	}

	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	var auth smtp.Auth
	if e.opts.Username != "" {
		auth = smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
	}

	var delivered int
	var lastErr error
	for _, recipient := range e.opts.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := buildEmailMessage(e.opts.From, recipient, note.Subject, note.Body)
		if err := e.send(addr, auth, e.opts.From, []string{recipient}, msg); err != nil {
			e.logger.Error().Err(err).Str("recipient", recipient).Msg("邮件发送失败")
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 {
		if lastErr != nil {
			return fmt.Errorf("send email from %s: %w", e.opts.From, lastErr)
		}
		return fmt.Errorf("send email from %s: no recipients configured", e.opts.From)
	}

	e.logger.Info().Str("source", string(note.Source)).Int("delivered", delivered).Msg("email alert sent")
	return nil
}

func buildEmailMessage(from, to, subject, body string) []byte {
	htmlBody := strings.ReplaceAll(body, "\n", "<br>")
	var builder strings.Builder
	fmt.Fprintf(&builder, "From: %s\r\n", from)
	fmt.Fprintf(&builder, "To: %s\r\n", to)
	fmt.Fprintf(&builder, "Subject: %s\r\n", subject)
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(htmlBody)
	return []byte(builder.String())
}

var _ Sender = (*Email)(nil)
