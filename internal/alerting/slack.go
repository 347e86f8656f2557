package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/queries"
)

// Tier is a Slack severity routing class.
type Tier string

const (
	TierHigh Tier = "high"
	TierMid  Tier = "mid"
	TierLow  Tier = "low"
)

// severityTiers is the static notification-source to severity mapping. A
// source missing here is an operator-visible configuration error.
var severityTiers = map[Source]Tier{
	SourceNewDispute:          TierHigh,
	SourceAllReportersStopped: TierHigh,
	SourceOracleAddress:       TierHigh,
	SourceTxReverted:          TierHigh,
	SourceDisputeSubmitted:    TierHigh,
	SourceReporterStale:       TierMid,
	SourceReporterBalance:     TierMid,
	SourceRemoveSubmitted:     TierMid,
	SourceNewReport:           TierLow,
}

// TierFor resolves the severity tier for a source.
func TierFor(source Source) (Tier, error) {
	tier, ok := severityTiers[source]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSeverityTier, source)
	}
	return tier, nil
}

// SlackOptions parameterise webhook delivery. A missing tier URL falls back
// to the high-severity webhook.
type SlackOptions struct {
	WebhookHigh string
	WebhookMid  string
	WebhookLow  string
	AllValues   bool
	Timeout     time.Duration
}

// Slack delivers alerts to severity-tiered incoming webhooks.
type Slack struct {
	opts   SlackOptions
	client *http.Client
	logger zerolog.Logger
}

// NewSlack constructs a Slack webhook sender.
func NewSlack(opts SlackOptions, logger zerolog.Logger) *Slack {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Slack{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_slack").Logger(),
	}
}

type slackBlock struct {
	Type string `json:"type"`
	Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"text"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Send posts the notification to the webhook for the source's severity tier.
// An unmapped source returns ErrNoSeverityTier and halts this dispatch.
func (s *Slack) Send(ctx context.Context, note Notification) error {
	if note.Report != nil && !s.opts.AllValues {
		report := note.Report
		disputable := report.Disputable != nil && *report.Disputable
		if !queries.AlwaysAlertTypes[report.QueryType] && !disputable && !report.Removable {
			return ErrSkipped
		}
	}

	tier, err := TierFor(note.Source)
	if err != nil {
		return err
	}

	webhook := s.webhookFor(tier)
	if webhook == "" {
		return fmt.Errorf("slack webhook for tier %s not configured", tier)
	}

	payload := slackPayload{Text: note.Subject}
	payload.Blocks = []slackBlock{markdownBlock("*" + note.Subject + "*")}
	if note.Body != "" {
		payload.Blocks = append(payload.Blocks, markdownBlock(note.Body))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack 响应码异常: %d", resp.StatusCode)
	}

	s.logger.Info().Str("source", string(note.Source)).Str("tier", string(tier)).Msg("slack alert sent")
	return nil
}

func (s *Slack) webhookFor(tier Tier) string {
	switch tier {
	case TierHigh:
		return s.opts.WebhookHigh
	case TierMid:
		if s.opts.WebhookMid != "" {
			return s.opts.WebhookMid
		}
		return s.opts.WebhookHigh
	default:
		if s.opts.WebhookLow != "" {
			return s.opts.WebhookLow
		}
		return s.opts.WebhookHigh
	}
}

func markdownBlock(text string) slackBlock {
	block := slackBlock{Type: "section"}
	block.Text.Type = "mrkdwn"
	block.Text.Text = text
	return block
}

var _ Sender = (*Slack)(nil)
