package reference

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable signals that no reference value could be produced for the
// query this cycle. Callers treat the report as non-disputable and retry on
// the next cycle.
var ErrUnavailable = errors.New("reference: value unavailable")

// Source asynchronously resolves the current reference value for a query id.
type Source interface {
	Current(ctx context.Context, queryID string) (decimal.Decimal, error)
}

// Static serves fixed values, for tests and the simulate command.
type Static struct {
	Values map[string]decimal.Decimal
}

// Current returns the fixed value for the query id or ErrUnavailable.
func (s *Static) Current(_ context.Context, queryID string) (decimal.Decimal, error) {
	value, ok := s.Values[queryID]
	if !ok {
		return decimal.Decimal{}, ErrUnavailable
	}
	return value, nil
}

var _ Source = (*Static)(nil)
