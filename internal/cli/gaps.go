package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Inspect and edit the gap queue of a chain",
}

var gapsListCmd = &cobra.Command{
	Use:   "list [chain_id]",
	Short: "List the gaps of a chain",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withGapStore(args[0], func(ctx context.Context, g gapCommand) error {
			gaps, err := g.store.GetGaps(ctx, g.chainID)
			if err != nil {
				return err
			}
			for _, gap := range gaps {
				fmt.Printf("%s\t%d-%d\t%s\tprogress=%d\t%s\n",
					gap.ID, gap.StartBlock, gap.EndBlock, gap.Status, gap.CurrentProgress, gap.Error)
			}
			fmt.Printf("%d gaps\n", len(gaps))
			return nil
		})
	},
}

var gapsAddCmd = &cobra.Command{
	Use:   "add [chain_id] [start_block] [end_block]",
	Short: "Queue a block range for backfill",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		start, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Printf("Invalid start block: %v\n", err)
			os.Exit(1)
		}
		end, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Printf("Invalid end block: %v\n", err)
			os.Exit(1)
		}
		if start > end {
			fmt.Println("start block must not exceed end block")
			os.Exit(1)
		}

		withGapStore(args[0], func(ctx context.Context, g gapCommand) error {
			id, err := g.store.AddGap(ctx, g.chainID, start, end)
			if err != nil {
				return err
			}
			fmt.Printf("Queued gap %s for chain %d: %d-%d\n", id, g.chainID, start, end)
			return nil
		})
	},
}

var gapsRequeueCmd = &cobra.Command{
	Use:   "requeue [chain_id]",
	Short: "Move failed gaps back to pending",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withGapStore(args[0], func(ctx context.Context, g gapCommand) error {
			n, err := g.store.RequeueFailedGaps(ctx, g.chainID)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed gaps for chain %d\n", n, g.chainID)
			return nil
		})
	},
}

var gapsClearCmd = &cobra.Command{
	Use:   "clear [chain_id]",
	Short: "Drop every gap of a chain",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withGapStore(args[0], func(ctx context.Context, g gapCommand) error {
			if err := g.store.ClearAllGaps(ctx, g.chainID); err != nil {
				return err
			}
			fmt.Printf("Cleared gaps for chain %d\n", g.chainID)
			return nil
		})
	},
}

func init() {
	gapsCmd.AddCommand(gapsListCmd, gapsAddCmd, gapsRequeueCmd, gapsClearCmd)
	rootCmd.AddCommand(gapsCmd)
}

type gapCommand struct {
	chainID domain.ChainID
	store   storage.GapStore
}

func withGapStore(rawChainID string, fn func(ctx context.Context, g gapCommand) error) {
	chainID, err := domain.ParseChainID(rawChainID)
	if err != nil {
		fmt.Printf("Invalid chain id: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	stores := openStores(ctx, cfg)

	err = fn(ctx, gapCommand{chainID: chainID, store: stores.Cursors})
	_ = stores.Close()
	if err != nil {
		slog.Error("Gap command failed", "chain", chainID, "error", err)
		os.Exit(1)
	}
}
