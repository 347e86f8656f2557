package feeds

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MonitoredFeed binds a query id to a dispute threshold.
type MonitoredFeed struct {
	QueryID   string
	Tag       string
	Threshold Threshold
}

// ManagedFeed binds a query id to a removal-eligibility threshold. Managed
// feeds are the set this monitor may remove bad values for; they are a
// separate registry from monitored (dispute-eligible) feeds.
type ManagedFeed struct {
	QueryID   string
	Tag       string
	Threshold Threshold
}

// DisputeAllKey identifies a (chain, query) pair disputed unconditionally.
type DisputeAllKey struct {
	ChainID uint64
	QueryID string
}

// Snapshot is one cycle's immutable view of every feed policy file. It is
// rebuilt from disk at the start of each polling cycle so operators can edit
// the files without restarting.
type Snapshot struct {
	Monitored  map[string]MonitoredFeed
	Managed    map[string]ManagedFeed
	DisputeAll map[DisputeAllKey]bool
}

// MonitoredFor returns the dispute policy for a query id, if any.
func (s *Snapshot) MonitoredFor(queryID string) (MonitoredFeed, bool) {
	feed, ok := s.Monitored[normalizeID(queryID)]
	return feed, ok
}

// ManagedFor returns the removal policy for a query id, if any.
func (s *Snapshot) ManagedFor(queryID string) (ManagedFeed, bool) {
	feed, ok := s.Managed[normalizeID(queryID)]
	return feed, ok
}

// IsDisputeAll reports whether the pair is configured for unconditional
// disputes.
func (s *Snapshot) IsDisputeAll(chainID uint64, queryID string) bool {
	return s.DisputeAll[DisputeAllKey{ChainID: chainID, QueryID: normalizeID(queryID)}]
}

func normalizeID(queryID string) string {
	return strings.ToLower(strings.TrimSpace(queryID))
}

type thresholdYAML struct {
	Type   string   `yaml:"type"`
	Amount *float64 `yaml:"amount"`
	Low    *float64 `yaml:"low"`
	High   *float64 `yaml:"high"`
}

type feedYAML struct {
	QueryID   string        `yaml:"query_id"`
	Tag       string        `yaml:"datafeed_query_tag"`
	Threshold thresholdYAML `yaml:"threshold"`
}

type disputerFileYAML struct {
	MonitoredFeeds []feedYAML `yaml:"monitored_feeds"`
	DisputeAll     []struct {
		ChainID uint64 `yaml:"chain_id"`
		QueryID string `yaml:"query_id"`
	} `yaml:"dispute_all_feeds"`
}

type managedFileYAML struct {
	ManagedFeeds []feedYAML `yaml:"managed_feeds"`
}

func (t thresholdYAML) toThreshold() (Threshold, error) {
	metric, err := ParseMetric(t.Type)
	if err != nil {
		return Threshold{}, err
	}

	threshold := Threshold{Metric: metric}
	switch metric {
	case MetricPercentage:
		if t.Amount == nil {
			return Threshold{}, fmt.Errorf("percentage threshold requires amount")
		}
		threshold.Amount = decimal.NewFromFloat(*t.Amount)
	case MetricRange:
		if t.Low == nil || t.High == nil {
			return Threshold{}, fmt.Errorf("range threshold requires low and high bounds")
		}
		threshold.Low = decimal.NewFromFloat(*t.Low)
		threshold.High = decimal.NewFromFloat(*t.High)
		if threshold.High.LessThan(threshold.Low) {
			return Threshold{}, fmt.Errorf("range threshold high %s below low %s", threshold.High, threshold.Low)
		}
	}
	return threshold, nil
}

// LoadSnapshot reads every feed policy file fresh from disk. A missing or
// malformed managed-feeds file degrades to an empty managed registry; the
// monitored-feeds file is required.
func LoadSnapshot(monitoredPath, managedPath, disputeAllPath string) (*Snapshot, error) {
	snapshot := &Snapshot{
		Monitored:  make(map[string]MonitoredFeed),
		Managed:    make(map[string]ManagedFeed),
		DisputeAll: make(map[DisputeAllKey]bool),
	}

	disputer, err := loadDisputerFile(monitoredPath)
	if err != nil {
		return nil, err
	}
	for _, feed := range disputer.MonitoredFeeds {
		threshold, err := feed.Threshold.toThreshold()
		if err != nil {
			return nil, fmt.Errorf("monitored feed %s: %w", feed.QueryID, err)
		}
		id := normalizeID(feed.QueryID)
		snapshot.Monitored[id] = MonitoredFeed{QueryID: id, Tag: feed.Tag, Threshold: threshold}
	}

	disputeAllFile := disputer
	if disputeAllPath != "" && disputeAllPath != monitoredPath {
		disputeAllFile, err = loadDisputerFile(disputeAllPath)
		if err != nil {
			return nil, err
		}
	}
	for _, pair := range disputeAllFile.DisputeAll {
		snapshot.DisputeAll[DisputeAllKey{ChainID: pair.ChainID, QueryID: normalizeID(pair.QueryID)}] = true
	}

	if managedPath != "" {
		managed, err := loadManagedFile(managedPath)
		if err != nil {
			// Managed feeds are optional; removal checks simply stay off.
			return snapshot, nil
		}
		for _, feed := range managed.ManagedFeeds {
			threshold, err := feed.Threshold.toThreshold()
			if err != nil {
				return nil, fmt.Errorf("managed feed %s: %w", feed.QueryID, err)
			}
			id := normalizeID(feed.QueryID)
			snapshot.Managed[id] = ManagedFeed{QueryID: id, Tag: feed.Tag, Threshold: threshold}
		}
	}

	return snapshot, nil
}

func loadDisputerFile(path string) (*disputerFileYAML, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var parsed disputerFileYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &parsed, nil
}

func loadManagedFile(path string) (*managedFileYAML, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var parsed managedFileYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &parsed, nil
}
