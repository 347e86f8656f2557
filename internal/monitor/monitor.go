package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/alerting"
	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/evaluator"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
	"disputable-values-monitor/internal/reference"
	"disputable-values-monitor/internal/storage"
	"disputable-values-monitor/internal/tracker"
)

// LogSource is the slice of a chain client the polling loop needs.
type LogSource interface {
	ChainID() uint64
	ExplorerURL() string
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error)
	BalanceAt(ctx context.Context, account common.Address) (decimal.Decimal, error)
	OracleAddress() (common.Address, bool)
	Oracle360Address() (common.Address, bool)
	GovernanceAddress() (common.Address, bool)
	TokenAddress() (common.Address, bool)
}

// Executor submits disputes and removals on chain.
type Executor interface {
	Dispute(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) (string, error)
	Remove(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) (string, error)
}

// Notifier fans a notification out to every configured channel.
type Notifier interface {
	Dispatch(ctx context.Context, note alerting.Notification)
}

// SnapshotLoader reloads the feed policy files.
type SnapshotLoader func() (*feeds.Snapshot, error)

// Options wire the Monitor's collaborators. Store, CSVLog, and Executor are
// optional.
type Options struct {
	Config    *config.Config
	Sources   []LogSource
	Reference reference.Source
	Tracker   *tracker.Tracker
	Notifier  Notifier
	Executor  Executor
	CSVLog    *storage.CSVLog
	Reports   storage.ReportStore
	Alerts    storage.AlertStore
	LoadFeeds SnapshotLoader
	Now       func() time.Time
}

// Monitor drives the polling loop: fetch logs per chain, decode, evaluate,
// display, alert, and optionally dispute. One Monitor owns all cursors and
// per-run state; it is not safe for concurrent Run calls.
type Monitor struct {
	cfg       *config.Config
	sources   []LogSource
	reference reference.Source
	tracker   *tracker.Tracker
	notifier  Notifier
	executor  Executor
	csvLog    *storage.CSVLog
	reports   storage.ReportStore
	alerts    storage.AlertStore
	loadFeeds SnapshotLoader
	now       func() time.Time
	logger    zerolog.Logger

	reporters []config.ReporterProfile
	cursorMu  sync.Mutex
	cursors   map[uint64]uint64
	lastSnap  *feeds.Snapshot

	// in-flight dispute and removal submissions
	pending sync.WaitGroup
}

// New constructs a Monitor.
func New(opts Options, logger zerolog.Logger) *Monitor {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	loadFeeds := opts.LoadFeeds
	if loadFeeds == nil {
		fc := opts.Config.Feeds
		loadFeeds = func() (*feeds.Snapshot, error) {
			return feeds.LoadSnapshot(fc.MonitoredPath, fc.ManagedPath, fc.DisputeAllPath)
		}
	}

	profiles, warnings := opts.Config.Reporters.Profiles()
	monitorLogger := logger.With().Str("component", "monitor").Logger()
	for _, warning := range warnings {
		monitorLogger.Warn().Msg(warning)
	}

	return &Monitor{
		cfg:       opts.Config,
		sources:   opts.Sources,
		reference: opts.Reference,
		tracker:   opts.Tracker,
		notifier:  opts.Notifier,
		executor:  opts.Executor,
		csvLog:    opts.CSVLog,
		reports:   opts.Reports,
		alerts:    opts.Alerts,
		loadFeeds: loadFeeds,
		now:       now,
		logger:    monitorLogger,
		reporters: profiles,
		cursors:   make(map[uint64]uint64),
	}
}

// Run blocks, executing polling cycles until ctx is cancelled. In-flight
// dispute submissions are waited for before returning.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.pending.Wait()

	if delay := m.cfg.Monitor.StartupDelay; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.logger.Info().Dur("wait", m.cfg.Monitor.Wait).Msg("monitor started")
	for {
		m.Cycle(ctx)

		timer := time.NewTimer(m.cfg.Monitor.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cycle executes one full polling pass. All failures are contained: a chain
// that cannot be reached or an event that cannot be decoded never aborts the
// cycle.
func (m *Monitor) Cycle(ctx context.Context) {
	snap, err := m.loadFeeds()
	if err != nil {
		// keep disputing against the last good policy rather than none
		m.logger.Error().Err(err).Msg("unable to reload feed config, reusing previous snapshot")
		snap = m.lastSnap
		if snap == nil {
			snap = &feeds.Snapshot{}
		}
	} else {
		m.lastSnap = snap
	}

	eval := evaluator.New(snap, m.reference, m.cfg.Monitor.ConfidenceThreshold, m.logger)

	collected := m.collectEvents(ctx)
	for _, event := range collected {
		switch ev := event.(type) {
		case *events.NewReport:
			m.handleNewReport(ctx, snap, eval, ev)
		case *events.NewDispute:
			m.handleNewDispute(ctx, ev)
		case *events.OracleAddress:
			m.handleOracleAddress(ctx, ev)
		}
	}

	m.checkReporters(ctx, snap)
}

// collectEvents polls every chain concurrently and returns the decoded
// events in a deterministic (chain, block, index) order.
func (m *Monitor) collectEvents(ctx context.Context) []any {
	results := make([][]any, len(m.sources))
	var wg sync.WaitGroup
	for i, source := range m.sources {
		wg.Add(1)
		go func(i int, source LogSource) {
			defer wg.Done()
			results[i] = m.pollChain(ctx, source)
		}(i, source)
	}
	wg.Wait()

	var all []any
	for _, res := range results {
		all = append(all, res...)
	}
	return all
}

func (m *Monitor) pollChain(ctx context.Context, source LogSource) []any {
	chainID := source.ChainID()

	latest, err := source.BlockNumber(ctx)
	if err != nil {
		m.logger.Error().Err(err).Uint64("chain_id", chainID).Msg("unable to fetch latest block")
		return nil
	}

	from, ok := m.cursorFor(chainID, latest)
	if !ok || from > latest {
		return nil
	}

	var addresses []common.Address
	for _, lookup := range []func() (common.Address, bool){
		source.OracleAddress, source.Oracle360Address, source.GovernanceAddress, source.TokenAddress,
	} {
		if addr, ok := lookup(); ok {
			addresses = append(addresses, addr)
		}
	}
	if len(addresses) == 0 {
		m.logger.Debug().Uint64("chain_id", chainID).Msg("no contract addresses configured, skipping chain")
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: newBlockNumber(from),
		ToBlock:   newBlockNumber(latest),
		Addresses: addresses,
		Topics: [][]common.Hash{{
			events.TopicNewReport,
			events.TopicNewDispute,
			events.TopicNewOracleAddress,
			events.TopicNewProposedOracleAddress,
		}},
	}

	logs, err := source.FilterLogs(ctx, query)
	if err != nil {
		// cursor stays put so the range is retried next cycle
		m.logger.Error().Err(err).Uint64("chain_id", chainID).Msg("unable to fetch logs")
		return nil
	}
	m.advanceCursor(chainID, latest+1)

	var decoded []any
	for _, log := range logs {
		event, err := events.Decode(chainID, source.ExplorerURL(), log)
		if err != nil {
			if err != events.ErrUnknownTopic {
				m.logger.Error().Err(err).
					Uint64("chain_id", chainID).
					Str("tx", log.TxHash.Hex()).
					Msg("无法解析事件, 跳过")
			}
			continue
		}
		decoded = append(decoded, event)
	}
	return decoded
}

// cursorFor returns the first block to scan. A fresh chain starts at the
// current head so old history is not replayed on startup.
func (m *Monitor) cursorFor(chainID, latest uint64) (uint64, bool) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()

	cursor, ok := m.cursors[chainID]
	if !ok {
		m.cursors[chainID] = latest
		return latest, true
	}
	return cursor, true
}

func (m *Monitor) advanceCursor(chainID, next uint64) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	m.cursors[chainID] = next
}

func (m *Monitor) handleNewReport(ctx context.Context, snap *feeds.Snapshot, eval *evaluator.Evaluator, report *events.NewReport) {
	if m.tracker.SeenReport(report.TxHash) {
		return
	}

	eval.Annotate(ctx, report)
	report.StatusStr = report.DisputableStr()

	m.tracker.ObserveReporter(report.Reporter, report.Timestamp)
	if _, managed := snap.ManagedFor(report.QueryID); managed {
		refPrice := decimal.Zero
		if ref, err := m.reference.Current(ctx, report.QueryID); err == nil {
			refPrice = ref
		}
		m.tracker.NoteManagedReport(report.Timestamp, refPrice)
	}

	m.display(ctx, report)

	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceNewReport,
		Subject: fmt.Sprintf("New Report Event on Chain %d", report.ChainID),
		Body:    reportBody(report),
		Report:  report,
	})
	m.auditAlert(ctx, alerting.SourceNewReport, report.ChainID, report.TxHash)

	disputable := report.Disputable != nil && *report.Disputable
	if disputable && m.executor != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.submitDispute(ctx, snap, report)
		}()
	}
	if report.Removable && m.executor != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.submitRemoval(ctx, snap, report)
		}()
	}
}

func (m *Monitor) submitDispute(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) {
	link, err := m.executor.Dispute(ctx, snap, report)
	if err != nil {
		m.logger.Error().Err(err).
			Uint64("chain_id", report.ChainID).
			Str("query_id", report.QueryID).
			Msg("dispute submission failed")
		return
	}
	if link == "" {
		return
	}
	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceDisputeSubmitted,
		Subject: fmt.Sprintf("Dispute Successful on Chain %d", report.ChainID),
		Body:    fmt.Sprintf("Dispute Successful on Chain %d:\nDispute Tx Link: %s", report.ChainID, link),
	})
	m.auditAlert(ctx, alerting.SourceDisputeSubmitted, report.ChainID, report.TxHash)
}

func (m *Monitor) submitRemoval(ctx context.Context, snap *feeds.Snapshot, report *events.NewReport) {
	link, err := m.executor.Remove(ctx, snap, report)
	if err != nil {
		m.logger.Error().Err(err).
			Uint64("chain_id", report.ChainID).
			Str("query_id", report.QueryID).
			Msg("remove submission failed")
		return
	}
	if link == "" {
		return
	}
	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceRemoveSubmitted,
		Subject: fmt.Sprintf("Value Removed on Chain %d", report.ChainID),
		Body:    fmt.Sprintf("Value Removed on Chain %d:\nRemove value Tx Link: %s", report.ChainID, link),
	})
	m.auditAlert(ctx, alerting.SourceRemoveSubmitted, report.ChainID, report.TxHash)
}

func (m *Monitor) display(ctx context.Context, report *events.NewReport) {
	row := tracker.RowFromReport(report)
	m.tracker.AddRow(row)

	if m.csvLog != nil {
		if err := m.csvLog.Append(row); err != nil {
			m.logger.Error().Err(err).Msg("unable to append display csv")
		}
	}
	if m.reports != nil {
		rec := storage.ReportRecord{
			ChainID:    report.ChainID,
			TxHash:     report.TxHash,
			QueryID:    report.QueryID,
			QueryType:  report.QueryType,
			Asset:      report.Asset,
			Currency:   report.Currency,
			Value:      report.Value,
			Reporter:   report.Reporter,
			Disputable: report.Disputable,
			Removable:  report.Removable,
			Status:     report.StatusStr,
			Link:       report.Link,
			ReportedAt: report.Timestamp,
		}
		if _, err := m.reports.InsertReport(ctx, rec); err != nil {
			m.logger.Error().Err(err).Msg("unable to persist report record")
		}
	}
}

func (m *Monitor) handleNewDispute(ctx context.Context, dispute *events.NewDispute) {
	if m.tracker.SeenDispute(dispute.TxHash) {
		return
	}

	tracked := false
	for _, profile := range m.reporters {
		if equalAddress(profile.Address, dispute.Reporter) {
			tracked = true
			break
		}
	}
	if !tracked {
		return
	}

	subject := fmt.Sprintf("New Dispute Event against Reporter %s on Chain %d", dispute.Reporter, dispute.ChainID)
	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceNewDispute,
		Subject: subject,
		Body: fmt.Sprintf("New Dispute Event:\ndispute id %d on query %s, initiated by %s\n%s",
			dispute.DisputeID, dispute.QueryID, dispute.Initiator, dispute.Link),
	})
	m.auditAlert(ctx, alerting.SourceNewDispute, dispute.ChainID, dispute.TxHash)
	m.logger.Info().Str("reporter", dispute.Reporter).Msg("new dispute event against reporter, alerts sent")
}

func (m *Monitor) handleOracleAddress(ctx context.Context, event *events.OracleAddress) {
	subject := "❗NEW ORACLE ADDRESS ALERT❗"
	if event.Proposed {
		subject = "❗NEW PROPOSED ORACLE ADDRESS ALERT❗"
	}
	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceOracleAddress,
		Subject: subject,
		Body:    event.Link,
	})
	m.auditAlert(ctx, alerting.SourceOracleAddress, event.ChainID, event.TxHash)
}

// checkReporters runs the per-cycle liveness, balance, and global-silence
// checks over the tracked reporter set.
func (m *Monitor) checkReporters(ctx context.Context, snap *feeds.Snapshot) {
	if len(m.reporters) == 0 {
		return
	}
	now := m.now()

	for _, stale := range m.tracker.StaleReporters(now) {
		m.notifier.Dispatch(ctx, alerting.Notification{
			Source:  alerting.SourceReporterStale,
			Subject: fmt.Sprintf("Reporter %s Stopped Reporting", stale.Reporter),
			Body: fmt.Sprintf("Reporter %s has not reported since %s (expected every %s)",
				stale.Reporter, stale.LastSeen.UTC().Format(time.RFC3339), stale.Interval),
		})
		m.auditAlert(ctx, alerting.SourceReporterStale, 0, "")
	}

	m.checkBalances(ctx)
	m.checkSilence(ctx, snap)
}

func (m *Monitor) checkBalances(ctx context.Context) {
	gasThreshold := decimal.NewFromFloat(m.cfg.Reporters.GasBalanceThreshold)
	for _, source := range m.sources {
		tokenConfigured := false
		if _, ok := source.TokenAddress(); ok {
			tokenConfigured = true
		}
		for _, profile := range m.reporters {
			account := common.HexToAddress(profile.Address)

			// 原生币余额: 没有 gas 的 reporter 既不能上报也不能被解押
			native, err := source.BalanceAt(ctx, account)
			if err != nil {
				m.logger.Warn().Err(err).
					Uint64("chain_id", source.ChainID()).
					Str("reporter", profile.Address).
					Msg("unable to fetch reporter gas balance")
			} else {
				asset := fmt.Sprintf("chain-%d-gas", source.ChainID())
				if m.tracker.ObserveBalance(profile.Address, asset, native, gasThreshold) {
					m.notifier.Dispatch(ctx, alerting.Notification{
						Source:  alerting.SourceReporterBalance,
						Subject: fmt.Sprintf("Reporter %s Gas Balance Below Threshold on Chain %d", profile.Address, source.ChainID()),
						Body: fmt.Sprintf("Native balance %s is below the configured threshold of %s",
							native.String(), gasThreshold.String()),
					})
					m.auditAlert(ctx, alerting.SourceReporterBalance, source.ChainID(), "")
				}
			}

			if !tokenConfigured {
				continue
			}
			balance, err := source.TokenBalance(ctx, account)
			if err != nil {
				m.logger.Warn().Err(err).
					Uint64("chain_id", source.ChainID()).
					Str("reporter", profile.Address).
					Msg("unable to fetch reporter balance")
				continue
			}

			asset := fmt.Sprintf("chain-%d", source.ChainID())
			threshold := decimal.NewFromInt(profile.BalanceThreshold)
			if m.tracker.ObserveBalance(profile.Address, asset, balance, threshold) {
				m.notifier.Dispatch(ctx, alerting.Notification{
					Source:  alerting.SourceReporterBalance,
					Subject: fmt.Sprintf("Reporter %s Balance Below Threshold on Chain %d", profile.Address, source.ChainID()),
					Body: fmt.Sprintf("Balance %s is below the configured threshold of %s tokens",
						balance.String(), threshold.String()),
				})
				m.auditAlert(ctx, alerting.SourceReporterBalance, source.ChainID(), "")
			}
		}
	}
}

func (m *Monitor) checkSilence(ctx context.Context, snap *feeds.Snapshot) {
	currentRef, refOK := m.managedReference(ctx, snap)

	if m.tracker.CheckSilence(m.now(), currentRef, refOK) {
		m.notifier.Dispatch(ctx, alerting.Notification{
			Source:  alerting.SourceAllReportersStopped,
			Subject: "All Reporters Stopped Reporting",
			Body:    "No tracked reporter has submitted a value since the silence trigger opened.",
		})
		m.auditAlert(ctx, alerting.SourceAllReportersStopped, 0, "")
	}
}

// managedReference returns the first managed feed whose reference price
// resolves this cycle. One unavailable feed must not disable the price-drift
// trigger while another managed feed still has a live reference.
func (m *Monitor) managedReference(ctx context.Context, snap *feeds.Snapshot) (decimal.Decimal, bool) {
	for _, feed := range snap.Managed {
		ref, err := m.reference.Current(ctx, feed.QueryID)
		if err != nil {
			continue
		}
		return ref, true
	}
	return decimal.Zero, false
}

func (m *Monitor) auditAlert(ctx context.Context, source alerting.Source, chainID uint64, txHash string) {
	if m.alerts == nil {
		return
	}
	rec := storage.AlertRecord{
		Source:   string(source),
		Subject:  string(source),
		Channels: m.cfg.Alerting.Channels,
		ChainID:  chainID,
		TxHash:   txHash,
	}
	if _, err := m.alerts.InsertAlert(ctx, rec); err != nil {
		m.logger.Error().Err(err).Msg("unable to persist alert record")
	}
}

func reportBody(report *events.NewReport) string {
	return fmt.Sprintf("chain %d %s %s/%s value %s reporter %s\nstatus: %s\n%s",
		report.ChainID, report.QueryType, report.Asset, report.Currency,
		report.Value.String(), report.Reporter, report.StatusStr, report.Link)
}

func equalAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

func newBlockNumber(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
