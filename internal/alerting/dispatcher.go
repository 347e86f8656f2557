package alerting

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher fans one logical alert out across every enabled channel.
// Channels run concurrently; one channel's failure is captured in its own
// outcome slot and never blocks or aborts a sibling channel.
type Dispatcher struct {
	senders  map[string]Sender
	outcomes *Outcomes
	logger   zerolog.Logger
}

// NewDispatcher wires the enabled channel senders into a dispatcher.
func NewDispatcher(senders map[string]Sender, outcomes *Outcomes, logger zerolog.Logger) *Dispatcher {
	if outcomes == nil {
		outcomes = NewOutcomes()
	}
	return &Dispatcher{
		senders:  senders,
		outcomes: outcomes,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Outcomes exposes the shared outcome record.
func (d *Dispatcher) Outcomes() *Outcomes {
	return d.outcomes
}

// Dispatch attempts delivery on every channel and blocks until all attempts
// complete, then logs a per-channel summary. Callers wanting fire-and-forget
// semantics run Dispatch on its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) {
	if len(d.senders) == 0 {
		return
	}

	var wg sync.WaitGroup
	for name, sender := range d.senders {
		wg.Add(1)
		go func(name string, sender Sender) {
			defer wg.Done()
			d.attempt(ctx, name, sender, note)
		}(name, sender)
	}
	wg.Wait()

	d.logSummary(note)
}

func (d *Dispatcher) attempt(ctx context.Context, name string, sender Sender, note Notification) {
	err := sender.Send(ctx, note)
	switch {
	case err == nil:
		d.outcomes.record(note.Source, name, Outcome{OK: true})
	case errors.Is(err, ErrSkipped):
		d.outcomes.record(note.Source, name, Outcome{OK: true, Skipped: true})
	case errors.Is(err, ErrNoSeverityTier):
		// Operator misconfiguration: loud, but contained to this dispatch.
		d.outcomes.record(note.Source, name, Outcome{Err: err})
		d.logger.Error().Err(err).
			Str("channel", name).
			Str("source", string(note.Source)).
			Msg("configuration error dispatching alert")
	default:
		d.outcomes.record(note.Source, name, Outcome{Err: err})
		d.logger.Error().Err(err).
			Str("channel", name).
			Str("source", string(note.Source)).
			Msg("alert delivery failed")
	}
}

func (d *Dispatcher) logSummary(note Notification) {
	results := d.outcomes.For(note.Source)

	var succeeded, failed []string
	for channel, outcome := range results {
		if outcome.OK {
			succeeded = append(succeeded, channel)
		} else {
			failed = append(failed, channel)
		}
	}
	sort.Strings(succeeded)
	sort.Strings(failed)

	event := d.logger.Info()
	if len(failed) > 0 {
		event = d.logger.Warn().Str("failed", strings.Join(failed, ","))
	}
	event.
		Str("source", string(note.Source)).
		Str("succeeded", strings.Join(succeeded, ",")).
		Msg("alert dispatch complete")
}
