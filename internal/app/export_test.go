package app

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/config"
	"disputable-values-monitor/internal/storage"
)

func TestDownsampleReportsKeepsEnds(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	reports := make([]storage.ReportRecord, 10)
	for i := range reports {
		reports[i] = storage.ReportRecord{ReportedAt: base.Add(time.Duration(i) * time.Minute)}
	}

	got := downsampleReports(reports, 5)
	if len(got) != 5 {
		t.Fatalf("downsample 后应剩 5 条: %d", len(got))
	}
	if !got[0].ReportedAt.Equal(reports[0].ReportedAt) {
		t.Fatalf("首条记录被丢弃")
	}
	if !got[4].ReportedAt.Equal(reports[9].ReportedAt) {
		t.Fatalf("末条记录被丢弃")
	}
}

func TestDownsampleReportsNoOpBelowLimit(t *testing.T) {
	reports := make([]storage.ReportRecord, 3)
	if got := downsampleReports(reports, 10); len(got) != 3 {
		t.Fatalf("低于上限时不应采样: %d", len(got))
	}
}

func TestFormatDisputable(t *testing.T) {
	if got := formatDisputable(nil); got != "unknown" {
		t.Fatalf("nil should render unknown: %s", got)
	}
	yes := true
	if got := formatDisputable(&yes); got != "yes" {
		t.Fatalf("true should render yes: %s", got)
	}
	no := false
	if got := formatDisputable(&no); got != "no" {
		t.Fatalf("false should render no: %s", got)
	}
}

func TestNewSendersFollowsChannelConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerting.Channels = []string{"sms", "slack"}
	cfg.Alerting.Twilio.Mock = true
	cfg.Alerting.Slack.Mock = true

	a := NewApp(cfg, zerolog.Nop())
	senders := a.newSenders()

	if len(senders) != 2 {
		t.Fatalf("应只构建配置的两条通道: %d", len(senders))
	}
	if _, ok := senders["sms"]; !ok {
		t.Fatalf("sms 通道缺失")
	}
	if _, ok := senders["email"]; ok {
		t.Fatalf("email 通道未配置却被构建")
	}
}
