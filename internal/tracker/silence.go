package tracker

import (
	"time"

	"github.com/shopspring/decimal"
)

type silencePhase int

const (
	silenceIdle silencePhase = iota
	silenceTriggered
	silenceAlerted
)

// silenceMachine implements the "all reporters stopped" detection: a trigger
// opens when the reference price drifts beyond a percentage since the last
// managed-feed report or when a fixed time limit elapses without one; the
// alert fires once every tracked reporter stays older than the trigger
// timestamp for the configured interval. Any reporter timestamp at or after
// the trigger resets the machine.
type silenceMachine struct {
	priceChangePct decimal.Decimal
	timeLimit      time.Duration
	alertAfter     time.Duration

	phase             silencePhase
	triggeredAt       time.Time
	lastManagedReport time.Time
	lastManagedPrice  decimal.Decimal
	havePrice         bool
}

// NoteManagedReport records a fresh managed-feed report and its reference
// price, resetting the silence machine.
func (t *Tracker) NoteManagedReport(ts time.Time, refPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts.After(t.silence.lastManagedReport) {
		t.silence.lastManagedReport = ts
	}
	if !refPrice.IsZero() {
		t.silence.lastManagedPrice = refPrice
		t.silence.havePrice = true
	}
	t.silence.phase = silenceIdle
}

// CheckSilence advances the state machine and reports whether the single
// "all reporters silent" alert should fire now. refOK marks whether
// currentRef carries a usable reference price this cycle.
func (t *Tracker) CheckSilence(now time.Time, currentRef decimal.Decimal, refOK bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.reporters) == 0 {
		return false
	}

	machine := &t.silence

	// A reporter timestamp equal to the trigger timestamp counts as "after"
	// and resets the machine.
	if machine.phase != silenceIdle && t.anyReporterSeenSinceLocked(machine.triggeredAt) {
		machine.phase = silenceIdle
		return false
	}

	switch machine.phase {
	case silenceIdle:
		if t.silenceTriggerLocked(now, currentRef, refOK) {
			machine.phase = silenceTriggered
			machine.triggeredAt = now
		}
		return false
	case silenceTriggered:
		if now.Sub(machine.triggeredAt) > machine.alertAfter {
			machine.phase = silenceAlerted
			return true
		}
		return false
	default:
		return false
	}
}

func (t *Tracker) silenceTriggerLocked(now time.Time, currentRef decimal.Decimal, refOK bool) bool {
	machine := &t.silence

	if machine.timeLimit > 0 && now.Sub(machine.lastManagedReport) > machine.timeLimit {
		return true
	}

	if refOK && machine.havePrice && !machine.lastManagedPrice.IsZero() && machine.priceChangePct.IsPositive() {
		drift := currentRef.Sub(machine.lastManagedPrice).Abs().
			Div(machine.lastManagedPrice.Abs()).
			Mul(decimal.NewFromInt(100))
		if drift.GreaterThanOrEqual(machine.priceChangePct) {
			return true
		}
	}
	return false
}

func (t *Tracker) anyReporterSeenSinceLocked(trigger time.Time) bool {
	for _, state := range t.reporters {
		if !state.lastSeen.Before(trigger) {
			return true
		}
	}
	return false
}
