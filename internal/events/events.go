package events

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the decoded event variant.
type Kind int

const (
	KindNewReport Kind = iota
	KindNewDispute
	KindOracleAddress
)

func (k Kind) String() string {
	switch k {
	case KindNewReport:
		return "new_report"
	case KindNewDispute:
		return "new_dispute"
	case KindOracleAddress:
		return "oracle_address"
	default:
		return "unknown"
	}
}

// ChainEvent carries the metadata shared by every decoded event.
// Immutable once decoded.
type ChainEvent struct {
	Kind        Kind
	ChainID     uint64
	TxHash      string
	BlockNumber uint64
	Timestamp   time.Time
	Link        string
}

// NewReport is a decoded oracle value submission.
//
// Disputable is a tri-state: nil means the query id is unsupported or the
// reference value could not be obtained this cycle. StatusStr accumulates a
// human narrative; the executor appends the dispute/removal outcome to it.
type NewReport struct {
	ChainEvent
	QueryID   string
	QueryType string
	Value     decimal.Decimal
	// ValueOK marks that RawValue decoded into Value. A known query id with
	// malformed value bytes keeps ValueOK false; such a report must stay
	// unknown, never be classified against a zero value.
	ValueOK    bool
	RawValue   []byte
	Asset      string
	Currency   string
	Reporter   string
	Disputable *bool
	Removable  bool
	StatusStr  string
}

// DisputableStr renders the tri-state disputable flag for display.
func (r *NewReport) DisputableStr() string {
	if r.Disputable == nil {
		return fmt.Sprintf("unsupported query ID: %s", r.QueryID)
	}
	if *r.Disputable {
		return "yes ❗📲"
	}
	return "no ✔️"
}

// NewDispute is a decoded governance dispute opening. Read-only after decode.
type NewDispute struct {
	ChainEvent
	DisputeID uint64
	QueryID   string
	Reporter  string
	Initiator string
}

// OracleAddress signals an oracle address change (or proposal) on the token
// contract. Always surfaced, never evaluated.
type OracleAddress struct {
	ChainEvent
	Proposed bool
}
