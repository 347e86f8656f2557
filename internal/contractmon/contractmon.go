package contractmon

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"disputable-values-monitor/internal/alerting"
	"disputable-values-monitor/internal/config"
)

// BlockSource is the slice of a chain client the sweeper needs.
type BlockSource interface {
	ChainID() uint64
	ExplorerURL() string
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Notifier fans a notification out to every configured channel.
type Notifier interface {
	Dispatch(ctx context.Context, note alerting.Notification)
}

// Monitor sweeps full blocks for transactions that touched the watched
// contracts and reverted. It runs alongside the event poller with its own
// block cursor.
type Monitor struct {
	cfg       config.ContractMonitorConfig
	source    BlockSource
	notifier  Notifier
	logger    zerolog.Logger
	addresses map[common.Address]bool

	cursor  uint64
	alerted map[common.Hash]bool
}

// New builds a contract monitor.
func New(cfg config.ContractMonitorConfig, source BlockSource, notifier Notifier, logger zerolog.Logger) *Monitor {
	addresses := make(map[common.Address]bool, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		addresses[common.HexToAddress(addr)] = true
	}

	return &Monitor{
		cfg:       cfg,
		source:    source,
		notifier:  notifier,
		logger:    logger.With().Str("component", "contract_monitor").Logger(),
		addresses: addresses,
		cursor:    cfg.StartBlock,
		alerted:   make(map[common.Hash]bool),
	}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.addresses) == 0 {
		m.logger.Info().Msg("no contract addresses configured, contract monitor idle")
		<-ctx.Done()
		return ctx.Err()
	}

	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.logger.Info().
		Uint64("start_block", m.cfg.StartBlock).
		Int("contracts", len(m.addresses)).
		Msg("starting contract monitor")

	for {
		m.Sweep(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sweep scans every block from the cursor to the current head once.
func (m *Monitor) Sweep(ctx context.Context) {
	latest, err := m.source.BlockNumber(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("unable to fetch latest block")
		return
	}

	if m.cursor == 0 {
		m.cursor = latest
	}

	for number := m.cursor; number <= latest; number++ {
		if err := m.sweepBlock(ctx, number); err != nil {
			// stay on this block so the range is retried
			m.logger.Error().Err(err).Uint64("block", number).Msg("unable to sweep block")
			return
		}
		m.cursor = number + 1
	}
}

func (m *Monitor) sweepBlock(ctx context.Context, number uint64) error {
	block, err := m.source.BlockByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(m.source.ChainID()))
	for _, tx := range block.Transactions() {
		if !m.touchesWatched(signer, tx) {
			continue
		}

		receipt, err := m.source.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return fmt.Errorf("fetch receipt %s: %w", tx.Hash().Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusFailed {
			continue
		}
		if m.alerted[tx.Hash()] {
			continue
		}
		m.alerted[tx.Hash()] = true

		m.alertReverted(ctx, tx, number)
	}
	return nil
}

func (m *Monitor) touchesWatched(signer types.Signer, tx *types.Transaction) bool {
	if to := tx.To(); to != nil && m.addresses[*to] {
		return true
	}
	// sender recovery is best effort; an unsignable tx just fails the match
	if from, err := types.Sender(signer, tx); err == nil && m.addresses[from] {
		return true
	}
	return false
}

func (m *Monitor) alertReverted(ctx context.Context, tx *types.Transaction, blockNumber uint64) {
	chainID := m.source.ChainID()
	txHash := tx.Hash().Hex()

	var contract string
	if to := tx.To(); to != nil {
		contract = to.Hex()
	}

	m.logger.Info().
		Uint64("chain_id", chainID).
		Str("tx", txHash).
		Uint64("block", blockNumber).
		Msg("found reverted transaction, sending notification")

	m.notifier.Dispatch(ctx, alerting.Notification{
		Source:  alerting.SourceTxReverted,
		Subject: fmt.Sprintf("Transaction %s Reverted (ChainID: %d)", txHash, chainID),
		Body: fmt.Sprintf("Reverted transaction:\nChain ID: %d\nContract address: %s\nTx hash: %s\nBlock number: %d",
			chainID, contract, txHash, blockNumber),
	})
}
