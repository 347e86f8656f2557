package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/alerting"
	"disputable-values-monitor/internal/evaluator"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
	"disputable-values-monitor/internal/queries"
	"disputable-values-monitor/internal/reference"
)

// SimulateAlert 用给定的上报值和参考价走一遍完整的评估与告警流程。
func (a *App) SimulateAlert(ctx context.Context, queryID string, reported, refPrice decimal.Decimal) error {
	if len(a.Config.Alerting.Channels) == 0 {
		return errors.New("未配置任何告警通道")
	}

	info, ok := queries.Lookup(queryID)
	if !ok {
		return fmt.Errorf("unsupported query id: %s", queryID)
	}

	snap, err := feeds.LoadSnapshot(
		a.Config.Feeds.MonitoredPath,
		a.Config.Feeds.ManagedPath,
		a.Config.Feeds.DisputeAllPath,
	)
	if err != nil {
		return err
	}

	static := &reference.Static{Values: map[string]decimal.Decimal{info.QueryID: refPrice}}
	eval := evaluator.New(snap, static, a.Config.Monitor.ConfidenceThreshold, a.Logger)

	report := &events.NewReport{
		ChainEvent: events.ChainEvent{
			Kind:      events.KindNewReport,
			TxHash:    "0xsimulated",
			Timestamp: time.Now().UTC(),
		},
		QueryID:   info.QueryID,
		QueryType: info.Type,
		Asset:     info.Asset,
		Currency:  info.Currency,
		Value:     reported,
		ValueOK:   true,
		Reporter:  "simulated",
	}

	eval.Annotate(ctx, report)
	report.StatusStr = report.DisputableStr()

	a.Logger.Info().
		Str("query_id", info.QueryID).
		Str("reported", reported.String()).
		Str("reference", refPrice.String()).
		Str("status", report.StatusStr).
		Msg("simulated evaluation")

	a.newDispatcher().Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceNewReport,
		Subject: fmt.Sprintf("New Report Event on Chain %d", report.ChainID),
		Body:    fmt.Sprintf("%s/%s value %s status %s", report.Asset, report.Currency, reported.String(), report.StatusStr),
		Report:  report,
	})
	return nil
}
