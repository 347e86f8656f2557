package feeds

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Metric selects how a reported value is compared against its reference.
type Metric string

const (
	MetricPercentage Metric = "percentage"
	MetricEquality   Metric = "equality"
	MetricRange      Metric = "range"
)

// ParseMetric maps a config string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "percentage":
		return MetricPercentage, nil
	case "equality":
		return MetricEquality, nil
	case "range":
		return MetricRange, nil
	default:
		return "", fmt.Errorf("invalid threshold type: %q", s)
	}
}

// Threshold is the dispute policy bound to one feed.
//
// Percentage uses Amount as a ratio (0.005 means 0.5%). Range uses Low/High
// inclusive bounds; the boundary values themselves are not disputable.
type Threshold struct {
	Metric Metric
	Amount decimal.Decimal
	Low    decimal.Decimal
	High   decimal.Decimal
}

// Evaluate classifies a reported value against the reference. The returned
// pointer is nil when the comparison is unsupported (zero reference under
// percentage), matching the "unknown" disputable state.
func (t Threshold) Evaluate(reported, reference decimal.Decimal) *bool {
	switch t.Metric {
	case MetricPercentage:
		if reference.IsZero() {
			return nil
		}
		deviation := reported.Sub(reference).Abs().Div(reference.Abs())
		return boolPtr(deviation.GreaterThanOrEqual(t.Amount))
	case MetricEquality:
		return boolPtr(!reported.Equal(reference))
	case MetricRange:
		outside := reported.LessThan(t.Low) || reported.GreaterThan(t.High)
		return boolPtr(outside)
	default:
		return nil
	}
}

func boolPtr(b bool) *bool { return &b }
