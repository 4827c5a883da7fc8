package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor and gap queue of every known chain",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	stores := openStores(ctx, cfg)
	defer func() {
		_ = stores.Close()
	}()

	chains, err := stores.Chains.List(ctx)
	if err != nil {
		slog.Error("Failed to list blockchains", "error", err)
		os.Exit(1)
	}

	// configured chains may not be seeded yet
	names := make(map[domain.ChainID]string)
	for _, c := range chains {
		names[c.ChainID] = c.Name
	}
	for _, c := range cfg.Chains {
		if _, ok := names[c.ChainID]; !ok {
			names[c.ChainID] = c.Blockchain().Name
		}
	}
	ids := make([]domain.ChainID, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tNAME\tCURSOR\tPENDING\tPROCESSING\tFAILED\tREMAINING")

	for _, id := range ids {
		cursor := "-"
		block, found, err := stores.Cursors.GetLastProcessedBlock(ctx, id)
		if err != nil {
			slog.Warn("Failed to read cursor", "chain", id, "error", err)
		} else if found {
			cursor = fmt.Sprintf("%d", block)
		}

		stats, err := stores.Cursors.GetGapStats(ctx, id)
		if err != nil {
			slog.Warn("Failed to read gaps", "chain", id, "error", err)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			id, names[id], cursor,
			stats.Pending, stats.Processing, stats.Failed, stats.RemainingBlocks,
		)
	}
	_ = w.Flush()
}
