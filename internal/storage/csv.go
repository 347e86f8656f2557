package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"disputable-values-monitor/internal/tracker"
)

var csvHeader = []string{"timestamp", "chain_id", "query_type", "asset", "currency", "value", "status", "tx_link"}

// CSVLog appends displayed rows to a flat file so the table survives
// restarts. The header is written once when the file is created.
type CSVLog struct {
	path string
	mu   sync.Mutex
}

// NewCSVLog builds a CSV appender. Nothing is touched until the first Append.
func NewCSVLog(path string) *CSVLog {
	return &CSVLog{path: path}
}

// Append writes one row to the end of the file.
func (l *CSVLog) Append(row tracker.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, statErr := os.Stat(l.path)
	writeHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open display csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRecord(row)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func csvRecord(row tracker.Row) []string {
	return []string{
		row.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatUint(row.ChainID, 10),
		row.QueryType,
		row.Asset,
		row.Currency,
		row.Value.String(),
		row.Status,
		row.Link,
	}
}
