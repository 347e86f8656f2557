package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// Noop is the logging stand-in for a real channel, selected at startup when
// a channel is configured in mock mode.
type Noop struct {
	Channel string
	Logger  zerolog.Logger
}

// NewNoop constructs a no-op sender for the named channel.
func NewNoop(channel string, logger zerolog.Logger) *Noop {
	return &Noop{
		Channel: channel,
		Logger:  logger.With().Str("component", "alert_mock").Str("channel", channel).Logger(),
	}
}

// Send logs the notification instead of delivering it.
func (n *Noop) Send(_ context.Context, note Notification) error {
	n.Logger.Info().
		Str("source", string(note.Source)).
		Str("subject", note.Subject).
		Msg("mock channel: alert logged, not delivered")
	return nil
}

var _ Sender = (*Noop)(nil)
