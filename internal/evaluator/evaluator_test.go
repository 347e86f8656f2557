package evaluator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
	"disputable-values-monitor/internal/queries"
	"disputable-values-monitor/internal/reference"
)

const ethUsdQueryID = "0x83a7f3d48786ac2667503a61e8c415438ed2922eb86a2906e4ee66d9a2ce4992"

func snapshotWith(monitored map[string]feeds.MonitoredFeed, managed map[string]feeds.ManagedFeed) *feeds.Snapshot {
	if monitored == nil {
		monitored = map[string]feeds.MonitoredFeed{}
	}
	if managed == nil {
		managed = map[string]feeds.ManagedFeed{}
	}
	return &feeds.Snapshot{
		Monitored:  monitored,
		Managed:    managed,
		DisputeAll: map[feeds.DisputeAllKey]bool{},
	}
}

func spotReport(value string) *events.NewReport {
	return &events.NewReport{
		QueryID:   ethUsdQueryID,
		QueryType: queries.TypeSpotPrice,
		Value:     decimal.RequireFromString(value),
		ValueOK:   true,
	}
}

func percentageFeed(amount string) feeds.MonitoredFeed {
	return feeds.MonitoredFeed{
		QueryID: ethUsdQueryID,
		Threshold: feeds.Threshold{
			Metric: feeds.MetricPercentage,
			Amount: decimal.RequireFromString(amount),
		},
	}
}

func TestAnnotateMonitoredFeed(t *testing.T) {
	snapshot := snapshotWith(map[string]feeds.MonitoredFeed{ethUsdQueryID: percentageFeed("0.005")}, nil)
	source := &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}}
	eval := New(snapshot, source, 0.1, zerolog.Nop())

	// end-to-end scenario from the dispute policy: 0.5% threshold, reference 100
	disputable := spotReport("100.6")
	eval.Annotate(context.Background(), disputable)
	if disputable.Disputable == nil || !*disputable.Disputable {
		t.Fatal("100.6 对参考值 100 应为 disputable")
	}

	fine := spotReport("100.3")
	eval.Annotate(context.Background(), fine)
	if fine.Disputable == nil || *fine.Disputable {
		t.Fatal("100.3 对参考值 100 不应 disputable")
	}
}

func TestAnnotateReferenceUnavailable(t *testing.T) {
	snapshot := snapshotWith(map[string]feeds.MonitoredFeed{ethUsdQueryID: percentageFeed("0.005")}, nil)
	eval := New(snapshot, &reference.Static{}, 0.1, zerolog.Nop())

	report := spotReport("100.6")
	eval.Annotate(context.Background(), report)
	if report.Disputable != nil {
		t.Fatal("参考价不可用时应保持 unknown")
	}
}

func TestAnnotateUnsupportedQueryID(t *testing.T) {
	eval := New(snapshotWith(nil, nil), &reference.Static{}, 0.1, zerolog.Nop())

	report := &events.NewReport{QueryID: "0xunknown"}
	eval.Annotate(context.Background(), report)
	if report.Disputable != nil || report.Removable {
		t.Fatal("未知 query id 应保持 unknown 且不可移除")
	}
}

func TestAnnotateUndecodableValueStaysUnknown(t *testing.T) {
	snapshot := snapshotWith(map[string]feeds.MonitoredFeed{ethUsdQueryID: percentageFeed("0.005")}, nil)
	source := &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}}
	eval := New(snapshot, source, 0.1, zerolog.Nop())

	// 已知 query id 但值字段损坏: Value 停留在零值, 不能拿去和参考价比较
	report := &events.NewReport{
		QueryID:   ethUsdQueryID,
		QueryType: queries.TypeSpotPrice,
		RawValue:  make([]byte, 31),
	}
	eval.Annotate(context.Background(), report)
	if report.Disputable != nil {
		t.Fatal("值解码失败的 report 应保持 unknown, 不应被标记为 disputable")
	}
	if report.Removable {
		t.Fatal("值解码失败的 report 不应可移除")
	}
}

func TestAnnotateAlwaysAlertTypeBypassesThresholds(t *testing.T) {
	eval := New(snapshotWith(nil, nil), &reference.Static{}, 0.1, zerolog.Nop())

	report := &events.NewReport{QueryType: queries.TypeOracleAddress}
	eval.Annotate(context.Background(), report)
	if report.Disputable != nil {
		t.Fatal("always-alert 类型不应应用阈值")
	}
}

func TestAnnotateConfidenceThresholdForCatalogFeeds(t *testing.T) {
	// feed not under a dispute policy still gets the monitoring-only check
	source := &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}}
	eval := New(snapshotWith(nil, nil), source, 0.1, zerolog.Nop())

	report := spotReport("120")
	eval.Annotate(context.Background(), report)
	if report.Disputable == nil || !*report.Disputable {
		t.Fatal("偏离 20% 超过通用置信阈值, 应标记")
	}

	calm := spotReport("105")
	eval.Annotate(context.Background(), calm)
	if calm.Disputable == nil || *calm.Disputable {
		t.Fatal("偏离 5% 低于通用置信阈值, 不应标记")
	}
}

func TestAnnotateManagedFeedRemovability(t *testing.T) {
	managed := map[string]feeds.ManagedFeed{
		ethUsdQueryID: {
			QueryID: ethUsdQueryID,
			Threshold: feeds.Threshold{
				Metric: feeds.MetricPercentage,
				Amount: decimal.RequireFromString("0.5"),
			},
		},
	}
	source := &reference.Static{Values: map[string]decimal.Decimal{ethUsdQueryID: decimal.NewFromInt(100)}}
	eval := New(snapshotWith(nil, managed), source, 0, zerolog.Nop())

	report := spotReport("200")
	eval.Annotate(context.Background(), report)
	if !report.Removable {
		t.Fatal("偏离 100% 的 managed feed report 应可移除")
	}

	mild := spotReport("101")
	eval.Annotate(context.Background(), mild)
	if mild.Removable {
		t.Fatal("偏离 1% 的 managed feed report 不应移除")
	}
}
