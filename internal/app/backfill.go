package app

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"disputable-values-monitor/internal/chain"
	"disputable-values-monitor/internal/events"
	"disputable-values-monitor/internal/storage"
)

// BackfillOptions configure the historical report scan.
type BackfillOptions struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64
	ChunkSize uint64
	DryRun    bool
}

// Backfill scans a past block range for oracle value submissions and persists
// them, without alerting or disputing. 用于补齐监控停机期间漏掉的上报记录。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.FromBlock > opts.ToBlock {
		return errors.New("--from-block must not exceed --to-block")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 2000
	}

	var reportStore storage.ReportStore
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
		reportStore = store
	}

	chains, err := a.newChains()
	if err != nil {
		return err
	}
	defer chains.Close()

	client, ok := chains.Client(opts.ChainID)
	if !ok {
		return errors.New("--chain-id does not match any configured chain")
	}

	addresses := backfillAddresses(client)
	if len(addresses) == 0 {
		return errors.New("no oracle contract addresses configured for this chain")
	}

	processed := 0
	failed := 0
	for start := opts.FromBlock; start <= opts.ToBlock; start += opts.ChunkSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := start + opts.ChunkSize - 1
		if end > opts.ToBlock {
			end = opts.ToBlock
		}

		query := ethereum.FilterQuery{
			FromBlock: blockNumber(start),
			ToBlock:   blockNumber(end),
			Addresses: addresses,
			Topics:    [][]common.Hash{{events.TopicNewReport}},
		}

		logs, filterErr := client.FilterLogs(ctx, query)
		if filterErr != nil {
			failed++
			a.Logger.Error().Err(filterErr).
				Uint64("from_block", start).
				Uint64("to_block", end).
				Msg("回填区块段失败")
			continue
		}

		for _, log := range logs {
			event, decodeErr := events.Decode(opts.ChainID, client.ExplorerURL(), log)
			if decodeErr != nil {
				if decodeErr != events.ErrUnknownTopic {
					a.Logger.Error().Err(decodeErr).Str("tx", log.TxHash.Hex()).Msg("无法解析事件, 跳过")
				}
				continue
			}
			report, isReport := event.(*events.NewReport)
			if !isReport {
				continue
			}

			processed++
			if reportStore == nil {
				continue
			}
			rec := storage.ReportRecord{
				ChainID:    report.ChainID,
				TxHash:     report.TxHash,
				QueryID:    report.QueryID,
				QueryType:  report.QueryType,
				Asset:      report.Asset,
				Currency:   report.Currency,
				Value:      report.Value,
				Reporter:   report.Reporter,
				Status:     "backfilled",
				Link:       report.Link,
				ReportedAt: report.Timestamp,
			}
			if _, insertErr := reportStore.InsertReport(ctx, rec); insertErr != nil {
				failed++
				a.Logger.Error().Err(insertErr).Str("tx", report.TxHash).Msg("回填写入失败")
			}
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分区块段回填失败，请检查日志")
	}
	return nil
}

func blockNumber(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

func backfillAddresses(client *chain.Client) []common.Address {
	var addresses []common.Address
	for _, lookup := range []func() (common.Address, bool){
		client.OracleAddress, client.Oracle360Address,
	} {
		if addr, ok := lookup(); ok {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}
