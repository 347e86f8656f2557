package tracker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/events"
)

// Row is one entry of the bounded display window.
type Row struct {
	TxHash    string
	Timestamp time.Time
	Link      string
	QueryType string
	Value     decimal.Decimal
	Status    string
	Asset     string
	Currency  string
	ChainID   uint64
}

// RowFromReport projects a decoded report into a display row.
func RowFromReport(report *events.NewReport) Row {
	return Row{
		TxHash:    report.TxHash,
		Timestamp: report.Timestamp,
		Link:      report.Link,
		QueryType: report.QueryType,
		Value:     report.Value,
		Status:    report.StatusStr,
		Asset:     report.Asset,
		Currency:  report.Currency,
		ChainID:   report.ChainID,
	}
}

// Reporter addresses compare case-insensitively: decoded events carry
// checksummed hex while config files usually hold lowercase.
func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

type reporterState struct {
	lastSeen   time.Time
	interval   time.Duration
	alertArmed bool
}

type balanceKey struct {
	account string
	asset   string
}

type balanceState struct {
	balance    decimal.Decimal
	alertArmed bool
}

// StaleAlert describes one reporter that stopped reporting.
type StaleAlert struct {
	Reporter string
	LastSeen time.Time
	Interval time.Duration
}

// Tracker owns all per-run mutable monitoring state: dedup sets, the display
// window, reporter liveness, balance snapshots, and the global-silence state
// machine. All state is in-memory and discarded on process exit.
//
// Mutations arrive from the poll loop and from fire-and-forget alert tasks,
// so every operation takes the tracker mutex.
type Tracker struct {
	mu sync.Mutex

	displayed      map[string]bool
	disputeAlerted map[string]bool
	window         []Row
	windowSize     int

	reporters map[string]*reporterState
	margin    time.Duration

	balances map[balanceKey]*balanceState

	silence silenceMachine
}

// Options configure a Tracker.
type Options struct {
	WindowSize int
	Margin     time.Duration
	Reporters  []config.ReporterProfile
	Silence    config.SilenceConfig
	Now        time.Time
}

// New builds a Tracker. Reporter last-seen timestamps start at construction
// time so a freshly started monitor does not immediately flag every reporter
// as stale.
func New(opts Options) *Tracker {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	reporters := make(map[string]*reporterState, len(opts.Reporters))
	for _, profile := range opts.Reporters {
		reporters[normalizeAddr(profile.Address)] = &reporterState{
			lastSeen: now,
			interval: profile.ReportInterval,
		}
	}

	return &Tracker{
		displayed:      make(map[string]bool),
		disputeAlerted: make(map[string]bool),
		windowSize:     opts.WindowSize,
		reporters:      reporters,
		margin:         opts.Margin,
		balances:       make(map[balanceKey]*balanceState),
		silence: silenceMachine{
			priceChangePct:    decimal.NewFromFloat(opts.Silence.PriceChangePct),
			timeLimit:         opts.Silence.TimeLimit,
			alertAfter:        opts.Silence.AlertAfter,
			lastManagedReport: now,
		},
	}
}

// SeenReport atomically checks and marks a report transaction hash. It
// returns true when the hash was already processed this run.
func (t *Tracker) SeenReport(txHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.displayed[txHash] {
		return true
	}
	t.displayed[txHash] = true
	return false
}

// SeenDispute is the analogous check-and-mark for dispute events.
func (t *Tracker) SeenDispute(txHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disputeAlerted[txHash] {
		return true
	}
	t.disputeAlerted[txHash] = true
	return false
}

// AddRow appends a report to the display window. When the bound is exceeded
// the oldest row by timestamp is evicted and its hash removed from the dedup
// set in the same step, so a re-observed old transaction can be reprocessed.
func (t *Tracker) AddRow(row Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, row)
	if len(t.window) <= t.windowSize {
		return
	}

	sort.Slice(t.window, func(i, j int) bool {
		return t.window[i].Timestamp.Before(t.window[j].Timestamp)
	})
	evicted := t.window[0]
	t.window = t.window[1:]
	delete(t.displayed, evicted.TxHash)
}

// Rows returns the display window sorted oldest first.
func (t *Tracker) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]Row, len(t.window))
	copy(rows, t.window)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	return rows
}

// ObserveReporter advances a reporter's last-seen timestamp to the max of the
// stored and given values. The stale alert re-arms only when the timestamp
// actually advances.
func (t *Tracker) ObserveReporter(reporter string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.reporters[normalizeAddr(reporter)]
	if !ok {
		return
	}
	if ts.After(state.lastSeen) {
		state.lastSeen = ts
		state.alertArmed = false
	}
}

// StaleReporters returns the reporters whose silence exceeds their interval
// plus the global margin and whose alert is not yet armed. Returned reporters
// are armed so the alert fires exactly once per silence period.
func (t *Tracker) StaleReporters(now time.Time) []StaleAlert {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []StaleAlert
	for reporter, state := range t.reporters {
		if state.alertArmed {
			continue
		}
		if now.Sub(state.lastSeen) > state.interval+t.margin {
			state.alertArmed = true
			stale = append(stale, StaleAlert{
				Reporter: reporter,
				LastSeen: state.lastSeen,
				Interval: state.interval,
			})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Reporter < stale[j].Reporter })
	return stale
}

// ObserveBalance records a fresh balance reading for an (account, asset)
// pair and reports whether a below-threshold alert should fire. The alert
// re-arms only when the observed balance value changes, not on a refresh to
// the same number.
func (t *Tracker) ObserveBalance(account, asset string, balance, threshold decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := balanceKey{account: normalizeAddr(account), asset: asset}
	state, ok := t.balances[key]
	if !ok {
		state = &balanceState{balance: balance}
		t.balances[key] = state
	} else if !state.balance.Equal(balance) {
		state.balance = balance
		state.alertArmed = false
	}

	if balance.LessThan(threshold) && !state.alertArmed {
		state.alertArmed = true
		return true
	}
	return false
}
