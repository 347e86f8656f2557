package alerting

import (
	"context"
	"errors"
	"sync"

	"disputable-values-monitor/internal/events"
)

// Source identifies what kind of condition produced a notification. Severity
// routing and outcome bookkeeping are keyed on it.
type Source string

const (
	SourceNewReport           Source = "new_report"
	SourceNewDispute          Source = "new_dispute"
	SourceOracleAddress       Source = "oracle_address"
	SourceReporterStale       Source = "reporter_stale"
	SourceAllReportersStopped Source = "all_reporters_stopped"
	SourceReporterBalance     Source = "reporter_balance"
	SourceDisputeSubmitted    Source = "dispute_submitted"
	SourceRemoveSubmitted     Source = "remove_submitted"
	SourceTxReverted          Source = "tx_reverted"
)

// ErrNoSeverityTier marks an operator misconfiguration: a notification source
// with no severity tier mapping. Unlike delivery failures it is surfaced
// loudly and halts the offending dispatch.
var ErrNoSeverityTier = errors.New("alerting: no severity tier mapped for notification source")

// Notification is one logical alert passed to every enabled channel.
// Report is non-nil only for NewReport notifications; channel-level
// suppression rules inspect it.
type Notification struct {
	Source  Source
	Subject string
	Body    string
	Report  *events.NewReport
}

// Sender delivers one notification over one channel.
type Sender interface {
	Send(ctx context.Context, note Notification) error
}

// ErrSkipped is recorded when a channel's suppression rule turned the send
// into a silent no-op. It is not a delivery failure.
var ErrSkipped = errors.New("alerting: send skipped by channel rule")

// Outcome is one channel's result for one dispatch: exactly one of OK or Err
// is meaningful per invocation.
type Outcome struct {
	OK      bool
	Skipped bool
	Err     error
}

// Outcomes records per-source, per-channel delivery results. Purely for
// logging and audit; nothing survives past the current cycle's inspection.
type Outcomes struct {
	mu sync.Mutex
	m  map[Source]map[string]Outcome
}

// NewOutcomes builds an empty outcome record.
func NewOutcomes() *Outcomes {
	return &Outcomes{m: make(map[Source]map[string]Outcome)}
}

func (o *Outcomes) record(source Source, channel string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	channels, ok := o.m[source]
	if !ok {
		channels = make(map[string]Outcome)
		o.m[source] = channels
	}
	channels[channel] = outcome
}

// For returns a copy of the channel outcomes recorded for a source.
func (o *Outcomes) For(source Source) map[string]Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	copied := make(map[string]Outcome, len(o.m[source]))
	for channel, outcome := range o.m[source] {
		copied[channel] = outcome
	}
	return copied
}
