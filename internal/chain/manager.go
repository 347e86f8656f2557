package chain

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/config"
)

// Manager holds one Client per configured chain.
type Manager struct {
	clients map[uint64]*Client
}

// NewManager builds clients from the chains section of the configuration.
// Map keys are decimal chain ids.
func NewManager(chains map[string]config.ChainConfig, timeout time.Duration, logger zerolog.Logger) (*Manager, error) {
	clients := make(map[uint64]*Client, len(chains))
	for key, cfg := range chains {
		chainID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chains.%s: key must be a numeric chain id: %w", key, err)
		}
		clients[chainID] = NewClient(chainID, cfg, timeout, logger)
	}
	return &Manager{clients: clients}, nil
}

// Client returns the client for chainID.
func (m *Manager) Client(chainID uint64) (*Client, bool) {
	c, ok := m.clients[chainID]
	return c, ok
}

// All returns every client ordered by chain id.
func (m *Manager) All() []*Client {
	all := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ChainID() < all[j].ChainID() })
	return all
}

// Close releases every cached connection.
func (m *Manager) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}
