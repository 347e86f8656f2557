package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportRecord is one displayed oracle report persisted for auditing.
type ReportRecord struct {
	ID         int64
	ChainID    uint64
	TxHash     string
	QueryID    string
	QueryType  string
	Asset      string
	Currency   string
	Value      decimal.Decimal
	Reporter   string
	Disputable *bool
	Removable  bool
	Status     string
	Link       string
	ReportedAt time.Time
	CreatedAt  time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	Source    string
	Subject   string
	Channels  []string
	ChainID   uint64
	TxHash    string
	CreatedAt time.Time
}
