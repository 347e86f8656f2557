package monitor

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/alerting"
	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
	"disputable-values-monitor/internal/reference"
	"disputable-values-monitor/internal/tracker"
)

const (
	ethUsdQueryID = "0x83a7f3d48786ac2667503a61e8c415438ed2922eb86a2906e4ee66d9a2ce4992"
	testReporter  = "0x00000000000000000000000000000000000000aa"
)

var (
	reportArgs  abi.Arguments
	disputeArgs abi.Arguments
)

func init() {
	bytesT, _ := abi.NewType("bytes", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	addressT, _ := abi.NewType("address", "", nil)

	reportArgs = abi.Arguments{
		{Name: "_value", Type: bytesT},
		{Name: "_nonce", Type: uint256T},
		{Name: "_queryData", Type: bytesT},
		{Name: "_reporter", Type: addressT},
	}
	disputeArgs = abi.Arguments{
		{Name: "_timestamp", Type: uint256T},
		{Name: "_reporter", Type: addressT},
		{Name: "_initiator", Type: addressT},
	}
}

type fakeSource struct {
	chainID uint64
	oracle  common.Address
	native  decimal.Decimal

	mu      sync.Mutex
	latest  uint64
	logs    []types.Log
	logsErr error
	queries []ethereum.FilterQuery
}

func (f *fakeSource) ChainID() uint64     { return f.chainID }
func (f *fakeSource) ExplorerURL() string { return "https://scan.example/" }

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeSource) TokenBalance(context.Context, common.Address) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func (f *fakeSource) BalanceAt(context.Context, common.Address) (decimal.Decimal, error) {
	return f.native, nil
}

func (f *fakeSource) OracleAddress() (common.Address, bool)     { return f.oracle, true }
func (f *fakeSource) Oracle360Address() (common.Address, bool)  { return common.Address{}, false }
func (f *fakeSource) GovernanceAddress() (common.Address, bool) { return common.Address{}, false }
func (f *fakeSource) TokenAddress() (common.Address, bool)      { return common.Address{}, false }

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Dispatch(_ context.Context, note alerting.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
}

func (c *captureNotifier) bySource(source alerting.Source) []alerting.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []alerting.Notification
	for _, note := range c.notes {
		if note.Source == source {
			matched = append(matched, note)
		}
	}
	return matched
}

type fakeExecutor struct {
	mu       sync.Mutex
	disputed []string
	removed  []string
}

func (f *fakeExecutor) Dispute(_ context.Context, _ *feeds.Snapshot, report *events.NewReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputed = append(f.disputed, report.TxHash)
	report.StatusStr += ": disputed!"
	return "https://scan.example/tx/0xdeadbeef", nil
}

func (f *fakeExecutor) Remove(_ context.Context, _ *feeds.Snapshot, report *events.NewReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, report.TxHash)
	return "", nil
}

func packReportLog(t *testing.T, oracle common.Address, txHash common.Hash, value decimal.Decimal, reportedAt time.Time) types.Log {
	t.Helper()

	raw := value.Mul(decimal.New(1, 18)).BigInt()
	valueBytes := common.LeftPadBytes(raw.Bytes(), 32)

	data, err := reportArgs.Pack(valueBytes, big.NewInt(1), []byte("spot"), common.HexToAddress(testReporter))
	if err != nil {
		t.Fatalf("打包 NewReport data 失败: %v", err)
	}

	return types.Log{
		Address: oracle,
		Topics: []common.Hash{
			events.TopicNewReport,
			common.HexToHash(ethUsdQueryID),
			common.BigToHash(big.NewInt(reportedAt.Unix())),
		},
		Data:   data,
		TxHash: txHash,
	}
}

func packDisputeLog(t *testing.T, oracle common.Address, txHash common.Hash, reporter common.Address) types.Log {
	t.Helper()

	data, err := disputeArgs.Pack(big.NewInt(time.Now().Unix()), reporter, common.HexToAddress("0x00000000000000000000000000000000000000bb"))
	if err != nil {
		t.Fatalf("打包 NewDispute data 失败: %v", err)
	}

	return types.Log{
		Address: oracle,
		Topics: []common.Hash{
			events.TopicNewDispute,
			common.BigToHash(big.NewInt(7)),
			common.HexToHash(ethUsdQueryID),
		},
		Data:   data,
		TxHash: txHash,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{
			Wait:                time.Second,
			ConfidenceThreshold: 0,
			DisplaySize:         10,
		},
		Reporters: config.ReportersConfig{
			Addresses:         []string{testReporter},
			ReportIntervals:   []int{1800},
			BalanceThresholds: []int64{200},
			TimeMargin:        time.Minute,
		},
	}
}

func testSnapshot() *feeds.Snapshot {
	return &feeds.Snapshot{
		Monitored: map[string]feeds.MonitoredFeed{
			ethUsdQueryID: {
				QueryID:   ethUsdQueryID,
				Threshold: feeds.Threshold{Metric: feeds.MetricPercentage, Amount: decimal.RequireFromString("0.005")},
			},
		},
	}
}

func newTestMonitor(cfg *config.Config, source *fakeSource, snap *feeds.Snapshot, notifier *captureNotifier, exec Executor) *Monitor {
	profiles, _ := cfg.Reporters.Profiles()
	track := tracker.New(tracker.Options{
		WindowSize: cfg.Monitor.DisplaySize,
		Margin:     cfg.Reporters.TimeMargin,
		Reporters:  profiles,
		Silence:    cfg.Reporters.Silence,
	})

	return New(Options{
		Config:    cfg,
		Sources:   []LogSource{source},
		Reference: &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}},
		Tracker:   track,
		Notifier:  notifier,
		Executor:  exec,
		LoadFeeds: func() (*feeds.Snapshot, error) { return snap, nil },
	}, zerolog.Nop())
}

func TestCycleDisputableReportAlertsAndDisputes(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logs = []types.Log{
		// 100.6 vs reference 100 at 0.5%: disputable
		packReportLog(t, oracle, common.HexToHash("0x01"), decimal.RequireFromString("100.6"), time.Now()),
	}

	notifier := &captureNotifier{}
	exec := &fakeExecutor{}
	m := newTestMonitor(testConfig(), source, testSnapshot(), notifier, exec)

	m.Cycle(context.Background())
	m.pending.Wait()

	reports := notifier.bySource(alerting.SourceNewReport)
	if len(reports) != 1 {
		t.Fatalf("应派发一条 NewReport 通知, 实际 %d", len(reports))
	}
	if reports[0].Report == nil || reports[0].Report.Disputable == nil || !*reports[0].Report.Disputable {
		t.Fatal("超阈值的 report 应标记为 disputable")
	}

	if len(exec.disputed) != 1 {
		t.Fatalf("应提交一次 dispute, 实际 %d", len(exec.disputed))
	}
	if submitted := notifier.bySource(alerting.SourceDisputeSubmitted); len(submitted) != 1 {
		t.Fatalf("dispute 成功后应派发通知, 实际 %d", len(submitted))
	}
}

func TestCycleDeduplicatesReplayedReports(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logs = []types.Log{
		packReportLog(t, oracle, common.HexToHash("0x01"), decimal.RequireFromString("100.1"), time.Now()),
	}

	notifier := &captureNotifier{}
	m := newTestMonitor(testConfig(), source, testSnapshot(), notifier, nil)

	m.Cycle(context.Background())
	// same tx replayed next cycle
	source.mu.Lock()
	source.latest = 101
	source.mu.Unlock()
	m.Cycle(context.Background())
	m.pending.Wait()

	if reports := notifier.bySource(alerting.SourceNewReport); len(reports) != 1 {
		t.Fatalf("重复的 tx hash 不应再次派发: %d", len(reports))
	}
}

func TestCycleCursorHeldOnFetchFailure(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logsErr = context.DeadlineExceeded

	notifier := &captureNotifier{}
	m := newTestMonitor(testConfig(), source, testSnapshot(), notifier, nil)

	m.Cycle(context.Background())
	source.mu.Lock()
	source.logsErr = nil
	source.latest = 105
	source.mu.Unlock()
	m.Cycle(context.Background())
	m.pending.Wait()

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.queries) != 2 {
		t.Fatalf("应有两次查询, 实际 %d", len(source.queries))
	}
	// 第一次失败后 cursor 不前进，第二次仍从 block 100 开始
	if source.queries[1].FromBlock.Uint64() != 100 {
		t.Fatalf("失败后 cursor 不应前进: from=%s", source.queries[1].FromBlock)
	}
	if source.queries[1].ToBlock.Uint64() != 105 {
		t.Fatalf("查询上界应为最新块: to=%s", source.queries[1].ToBlock)
	}
}

func TestCycleDisputeAgainstTrackedReporter(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logs = []types.Log{
		packDisputeLog(t, oracle, common.HexToHash("0x02"), common.HexToAddress(testReporter)),
	}

	notifier := &captureNotifier{}
	m := newTestMonitor(testConfig(), source, testSnapshot(), notifier, nil)
	m.Cycle(context.Background())
	m.pending.Wait()

	if disputes := notifier.bySource(alerting.SourceNewDispute); len(disputes) != 1 {
		t.Fatalf("针对被跟踪 reporter 的 dispute 应告警: %d", len(disputes))
	}
}

func TestCycleIgnoresDisputeAgainstUnknownReporter(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logs = []types.Log{
		packDisputeLog(t, oracle, common.HexToHash("0x03"), common.HexToAddress("0x00000000000000000000000000000000000000cc")),
	}

	notifier := &captureNotifier{}
	m := newTestMonitor(testConfig(), source, testSnapshot(), notifier, nil)
	m.Cycle(context.Background())
	m.pending.Wait()

	if disputes := notifier.bySource(alerting.SourceNewDispute); len(disputes) != 0 {
		t.Fatalf("不相关 reporter 的 dispute 不应告警: %d", len(disputes))
	}
}

func TestCycleStaleReporterAlert(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}

	notifier := &captureNotifier{}
	cfg := testConfig()
	profiles, _ := cfg.Reporters.Profiles()

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	current := start
	track := tracker.New(tracker.Options{
		WindowSize: 10,
		Margin:     cfg.Reporters.TimeMargin,
		Reporters:  profiles,
		Silence:    cfg.Reporters.Silence,
		Now:        start,
	})

	m := New(Options{
		Config:    cfg,
		Sources:   []LogSource{source},
		Reference: &reference.Static{Values: map[string]decimal.Decimal{}},
		Tracker:   track,
		Notifier:  notifier,
		LoadFeeds: func() (*feeds.Snapshot, error) { return testSnapshot(), nil },
		Now:       func() time.Time { return current },
	}, zerolog.Nop())

	m.Cycle(context.Background())
	if stale := notifier.bySource(alerting.SourceReporterStale); len(stale) != 0 {
		t.Fatalf("静默期内不应告警: %d", len(stale))
	}

	// interval 1800s + margin 60s
	current = start.Add(1861 * time.Second)
	m.Cycle(context.Background())
	m.pending.Wait()

	if stale := notifier.bySource(alerting.SourceReporterStale); len(stale) != 1 {
		t.Fatalf("超过间隔加余量后应告警一次: %d", len(stale))
	}
}

func TestCycleSurvivesFeedReloadFailure(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100}
	source.logs = []types.Log{
		packReportLog(t, oracle, common.HexToHash("0x04"), decimal.RequireFromString("100.6"), time.Now()),
	}

	notifier := &captureNotifier{}
	cfg := testConfig()
	loads := 0
	snap := testSnapshot()
	profiles, _ := cfg.Reporters.Profiles()
	track := tracker.New(tracker.Options{WindowSize: 10, Reporters: profiles, Silence: cfg.Reporters.Silence})

	m := New(Options{
		Config:    cfg,
		Sources:   []LogSource{source},
		Reference: &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}},
		Tracker:   track,
		Notifier:  notifier,
		LoadFeeds: func() (*feeds.Snapshot, error) {
			loads++
			if loads == 1 {
				return snap, nil
			}
			return nil, context.DeadlineExceeded
		},
	}, zerolog.Nop())

	m.Cycle(context.Background())

	// reload fails; the last good snapshot keeps classification working
	source.mu.Lock()
	source.latest = 101
	source.logs = []types.Log{
		packReportLog(t, oracle, common.HexToHash("0x05"), decimal.RequireFromString("100.6"), time.Now()),
	}
	source.mu.Unlock()
	m.Cycle(context.Background())
	m.pending.Wait()

	reports := notifier.bySource(alerting.SourceNewReport)
	if len(reports) != 2 {
		t.Fatalf("feed 重载失败不应中断周期: %d", len(reports))
	}
	last := reports[1].Report
	if last == nil || last.Disputable == nil || !*last.Disputable {
		t.Fatal("重载失败后应沿用上一个快照的阈值")
	}
}

func TestCycleGasBalanceAlert(t *testing.T) {
	oracle := common.HexToAddress("0x1111111111111111111111111111111111111111")
	source := &fakeSource{chainID: 1, oracle: oracle, latest: 100, native: decimal.RequireFromString("0.05")}

	cfg := testConfig()
	cfg.Reporters.GasBalanceThreshold = 0.1
	notifier := &captureNotifier{}
	m := newTestMonitor(cfg, source, testSnapshot(), notifier, nil)

	m.Cycle(context.Background())

	alerts := notifier.bySource(alerting.SourceReporterBalance)
	if len(alerts) != 1 {
		t.Fatalf("原生币余额低于阈值应告警一次: %d", len(alerts))
	}
	if !strings.Contains(alerts[0].Subject, "Gas Balance") {
		t.Fatalf("告警主题应指明 gas 余额: %s", alerts[0].Subject)
	}

	// 余额未变化时不重复告警
	m.Cycle(context.Background())
	if got := len(notifier.bySource(alerting.SourceReporterBalance)); got != 1 {
		t.Fatalf("余额未变化不应重复告警: %d", got)
	}
}

func TestManagedReferenceSkipsUnavailableFeeds(t *testing.T) {
	source := &fakeSource{chainID: 1}
	snap := testSnapshot()
	snap.Managed = map[string]feeds.ManagedFeed{
		"0xdead0000000000000000000000000000000000000000000000000000000001": {QueryID: "0xdead0000000000000000000000000000000000000000000000000000000001"},
		"0xdead0000000000000000000000000000000000000000000000000000000002": {QueryID: "0xdead0000000000000000000000000000000000000000000000000000000002"},
		ethUsdQueryID: {QueryID: ethUsdQueryID},
	}

	m := newTestMonitor(testConfig(), source, snap, &captureNotifier{}, nil)

	// 只有 eth/usd 的参考价可用, 其余 managed feed 不可用也不应关掉触发器
	ref, ok := m.managedReference(context.Background(), snap)
	if !ok {
		t.Fatal("存在可用参考价时不应返回不可用")
	}
	if !ref.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("应返回可解析的那个参考价: %s", ref)
	}
}
