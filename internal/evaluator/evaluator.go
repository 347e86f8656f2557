package evaluator

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/feeds"
	"disputable-values-monitor/internal/queries"
	"disputable-values-monitor/internal/reference"
)

// Evaluator classifies NewReport events as disputable, removable, or neither.
// All failure modes degrade to the "unknown" disputable state; Annotate never
// aborts the polling cycle.
type Evaluator struct {
	snapshot   *feeds.Snapshot
	source     reference.Source
	confidence decimal.Decimal
	logger     zerolog.Logger
}

// New builds an evaluator over one cycle's feed snapshot. The confidence
// threshold is a monitoring-only percentage applied to catalog feeds that are
// not under an explicit dispute policy.
func New(snapshot *feeds.Snapshot, source reference.Source, confidenceThreshold float64, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		snapshot:   snapshot,
		source:     source,
		confidence: decimal.NewFromFloat(confidenceThreshold),
		logger:     logger.With().Str("component", "evaluator").Logger(),
	}
}

// Annotate sets Disputable and Removable on the report in place.
func (e *Evaluator) Annotate(ctx context.Context, report *events.NewReport) {
	if queries.AlwaysAlertTypes[report.QueryType] {
		// Oracle address changes and similar are always surfaced; threshold
		// logic does not apply.
		return
	}

	if report.QueryType == "" {
		// Unsupported query id: a normal outcome, left as unknown.
		return
	}

	if !report.ValueOK {
		// Known feed but the value bytes did not decode; classifying the
		// zero placeholder would flag every such report as disputable.
		return
	}

	report.Disputable = e.classify(ctx, report)

	if managed, ok := e.snapshot.ManagedFor(report.QueryID); ok {
		report.Removable = e.isRemovable(ctx, report, managed)
	}
}

func (e *Evaluator) classify(ctx context.Context, report *events.NewReport) *bool {
	threshold, monitored := e.thresholdFor(report.QueryID)
	if !monitored && e.confidence.IsZero() {
		return nil
	}

	ref, err := e.source.Current(ctx, report.QueryID)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("query_id", report.QueryID).
			Uint64("chain_id", report.ChainID).
			Msg("reference value unavailable, leaving report unknown")
		return nil
	}

	return threshold.Evaluate(report.Value, ref)
}

// thresholdFor looks up the configured dispute policy, falling back to the
// generic confidence threshold for catalog feeds without one.
func (e *Evaluator) thresholdFor(queryID string) (feeds.Threshold, bool) {
	if feed, ok := e.snapshot.MonitoredFor(queryID); ok {
		return feed.Threshold, true
	}
	return feeds.Threshold{Metric: feeds.MetricPercentage, Amount: e.confidence}, false
}

// isRemovable runs the managed registry's own comparison, independent of the
// dispute classification.
func (e *Evaluator) isRemovable(ctx context.Context, report *events.NewReport, managed feeds.ManagedFeed) bool {
	ref, err := e.source.Current(ctx, report.QueryID)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("query_id", report.QueryID).
			Msg("无法判断 report 是否可移除")
		return false
	}

	result := managed.Threshold.Evaluate(report.Value, ref)
	return result != nil && *result
}
