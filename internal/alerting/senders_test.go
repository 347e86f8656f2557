package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/queries"
)

func boolPtr(b bool) *bool { return &b }

func disputableReport() *events.NewReport {
	return &events.NewReport{QueryType: queries.TypeSpotPrice, Disputable: boolPtr(true)}
}

func benignReport() *events.NewReport {
	return &events.NewReport{QueryType: queries.TypeSpotPrice, Disputable: boolPtr(false)}
}

func TestTwilioSendsPerRecipient(t *testing.T) {
	var bodies []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/Messages.json") {
			t.Fatalf("路径应包含 Messages.json, 实际 %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("解析表单失败: %v", err)
		}
		bodies = append(bodies, r.PostForm)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sms := NewTwilio(TwilioOptions{
		AccountSID: "sid",
		AuthToken:  "token",
		From:       "+10000000000",
		Recipients: []string{"+15550000001", "+15550000002"},
		APIBase:    srv.URL,
		Timeout:    time.Second,
	}, zerolog.Nop())

	note := Notification{Source: SourceNewReport, Subject: "DISPUTABLE VALUE", Report: disputableReport()}
	if err := sms.Send(context.Background(), note); err != nil {
		t.Fatalf("SMS 发送应成功: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("应向每个接收者各发一条, 实际 %d", len(bodies))
	}
	if bodies[0].Get("To") != "+15550000001" || bodies[1].Get("To") != "+15550000002" {
		t.Fatalf("接收者不正确: %+v", bodies)
	}
}

func TestTwilioSuppressesBenignReports(t *testing.T) {
	sms := NewTwilio(TwilioOptions{APIBase: "http://localhost:1"}, zerolog.Nop())

	note := Notification{Source: SourceNewReport, Report: benignReport()}
	if err := sms.Send(context.Background(), note); !errors.Is(err, ErrSkipped) {
		t.Fatalf("非 disputable 的 report 不应发送 SMS: %v", err)
	}
}

func TestTwilioAlwaysAlertTypeBypassesSuppression(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sms := NewTwilio(TwilioOptions{
		AccountSID: "sid",
		Recipients: []string{"+15550000001"},
		APIBase:    srv.URL,
	}, zerolog.Nop())

	report := &events.NewReport{QueryType: queries.TypeOracleAddress}
	note := Notification{Source: SourceNewReport, Subject: "NEW ORACLE ADDRESS", Report: report}
	if err := sms.Send(context.Background(), note); err != nil {
		t.Fatalf("always-alert 类型应发送: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("应发送一次, 实际 %d", attempts)
	}
}

func TestEmailSuppressionRules(t *testing.T) {
	var sent int
	email := NewEmail(EmailOptions{
		Host:       "smtp.example.com",
		Port:       587,
		From:       "dvm@example.com",
		Recipients: []string{"ops@example.com"},
	}, zerolog.Nop())
	email.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent++
		return nil
	}

	// benign report without all_values: silent no-op
	note := Notification{Source: SourceNewReport, Subject: "s", Report: benignReport()}
	if err := email.Send(context.Background(), note); !errors.Is(err, ErrSkipped) {
		t.Fatalf("应静默跳过: %v", err)
	}
	if sent != 0 {
		t.Fatal("跳过时不应有发送")
	}

	// removable report goes out even when not disputable
	removable := benignReport()
	removable.Removable = true
	note.Report = removable
	if err := email.Send(context.Background(), note); err != nil {
		t.Fatalf("removable report 应发送: %v", err)
	}
	if sent != 1 {
		t.Fatalf("应发送一封, 实际 %d", sent)
	}
}

func TestTeamEmailNeverSuppresses(t *testing.T) {
	var sent int
	email := NewEmail(EmailOptions{
		Host:       "smtp.example.com",
		Port:       587,
		From:       "dvm@example.com",
		Recipients: []string{"team@example.com"},
		Team:       true,
	}, zerolog.Nop())
	email.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent++
		return nil
	}

	note := Notification{Source: SourceNewReport, Subject: "s", Report: benignReport()}
	if err := email.Send(context.Background(), note); err != nil {
		t.Fatalf("team email 不应抑制: %v", err)
	}
	if sent != 1 {
		t.Fatalf("应发送一封, 实际 %d", sent)
	}
}

func TestEmailContinuesPastRejectedRecipient(t *testing.T) {
	var attempted []string
	email := NewEmail(EmailOptions{
		Host:       "smtp.example.com",
		Port:       587,
		From:       "dvm@example.com",
		Recipients: []string{"bad@example.com", "good@example.com"},
	}, zerolog.Nop())
	email.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempted = append(attempted, to[0])
		if to[0] == "bad@example.com" {
			return errors.New("address rejected")
		}
		return nil
	}

	note := Notification{Source: SourceReporterStale, Subject: "stale"}
	if err := email.Send(context.Background(), note); err != nil {
		t.Fatalf("只要有一封送达就应成功: %v", err)
	}
	if len(attempted) != 2 {
		t.Fatalf("被拒绝的地址不应阻断后续地址: %v", attempted)
	}
}

func TestSlackTierRouting(t *testing.T) {
	received := map[string]int{}
	newTierServer := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload slackPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("解析 slack payload 失败: %v", err)
			}
			received[name]++
		}))
	}
	high := newTierServer("high")
	defer high.Close()
	mid := newTierServer("mid")
	defer mid.Close()

	slack := NewSlack(SlackOptions{
		WebhookHigh: high.URL,
		WebhookMid:  mid.URL,
		Timeout:     time.Second,
	}, zerolog.Nop())

	if err := slack.Send(context.Background(), Notification{Source: SourceNewDispute, Subject: "dispute"}); err != nil {
		t.Fatalf("high tier 发送失败: %v", err)
	}
	if err := slack.Send(context.Background(), Notification{Source: SourceReporterStale, Subject: "stale"}); err != nil {
		t.Fatalf("mid tier 发送失败: %v", err)
	}

	if received["high"] != 1 || received["mid"] != 1 {
		t.Fatalf("tier 路由不正确: %+v", received)
	}
}

func TestSlackUnmappedSourceFailsLoudly(t *testing.T) {
	slack := NewSlack(SlackOptions{WebhookHigh: "http://localhost:1"}, zerolog.Nop())

	err := slack.Send(context.Background(), Notification{Source: Source("mystery")})
	if !errors.Is(err, ErrNoSeverityTier) {
		t.Fatalf("未映射的 source 应返回 ErrNoSeverityTier, 实际 %v", err)
	}
}

func TestSlackSuppressesBenignReports(t *testing.T) {
	slack := NewSlack(SlackOptions{WebhookHigh: "http://localhost:1"}, zerolog.Nop())

	note := Notification{Source: SourceNewReport, Report: benignReport()}
	if err := slack.Send(context.Background(), note); !errors.Is(err, ErrSkipped) {
		t.Fatalf("非 disputable 的 report 不应发送 slack: %v", err)
	}
}

func TestNoopSender(t *testing.T) {
	noop := NewNoop("sms", zerolog.Nop())
	if err := noop.Send(context.Background(), Notification{Source: SourceNewReport}); err != nil {
		t.Fatalf("mock sender 不应报错: %v", err)
	}
}
