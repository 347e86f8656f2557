package alerting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/queries"
)

// TwilioOptions parameterise the SMS sender.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	Recipients []string
	APIBase    string
	AllValues  bool
	Timeout    time.Duration
}

// Twilio delivers SMS alerts through the Twilio Messages API, one message
// per configured recipient.
type Twilio struct {
	opts    TwilioOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewTwilio constructs an SMS sender.
func NewTwilio(opts TwilioOptions, logger zerolog.Logger) *Twilio {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.APIBase, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &Twilio{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "alert_sms").Logger(),
	}
}

// Send delivers the notification to every recipient. NewReport notifications
// follow the SMS alerting rules: always-alert query types and disputable
// values always go out; other values only when all_values is set.
func (t *Twilio) Send(ctx context.Context, note Notification) error {
	if note.Report != nil && !t.shouldSendReport(note) {
		return ErrSkipped
	}

	body := note.Subject
	if note.Body != "" {
		body = note.Subject + "\n" + note.Body
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.opts.AccountSID)
	for _, recipient := range t.opts.Recipients {
		form := url.Values{}
		form.Set("To", recipient)
		form.Set("From", t.opts.From)
		form.Set("Body", body)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(t.opts.AccountSID, t.opts.AuthToken)

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("send sms to %s: %w", recipient, err)
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("send sms to %s: twilio 响应码异常: %d", recipient, resp.StatusCode)
		}
	}

	t.logger.Info().Str("source", string(note.Source)).Int("recipients", len(t.opts.Recipients)).Msg("SMS alert sent")
	return nil
}

func (t *Twilio) shouldSendReport(note Notification) bool {
	report := note.Report
	if queries.AlwaysAlertTypes[report.QueryType] {
		return true
	}
	if t.opts.AllValues {
		return true
	}
	return report.Disputable != nil && *report.Disputable
}

var _ Sender = (*Twilio)(nil)
