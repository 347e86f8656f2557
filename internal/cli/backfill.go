package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"disputable-values-monitor/internal/app"
)

var (
	backfillChainID   uint64
	backfillFromBlock uint64
	backfillToBlock   uint64
	backfillChunk     uint64
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill historical report events from a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillChainID == 0 {
			return fmt.Errorf("--chain-id must be provided")
		}
		if backfillToBlock == 0 {
			return fmt.Errorf("--to-block must be provided")
		}
		if backfillFromBlock > backfillToBlock {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			ChainID:   backfillChainID,
			FromBlock: backfillFromBlock,
			ToBlock:   backfillToBlock,
			ChunkSize: backfillChunk,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillChainID, "chain-id", 0, "Chain to scan")
	backfillCmd.Flags().Uint64Var(&backfillFromBlock, "from-block", 0, "First block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillToBlock, "to-block", 0, "Last block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillChunk, "chunk-size", 2000, "Blocks per log query")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Scan without writing to storage")
}
