package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/feewatcher/internal/control"
	"github.com/vietddude/feewatcher/internal/core/config"
	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/core/registry"
	"github.com/vietddude/feewatcher/internal/indexing/scanner"
)

var (
	scanChain uint64
	scanFrom  uint64
	scanTo    uint64
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Index a historical block range in chunks",
	Long: `Scan walks [from, to] in chunks of scanner.historical_chunk_size blocks,
pausing scanner.historical_pause between chunks. --to defaults to the chain head.`,
	Run: runScan,
}

func init() {
	scanCmd.Flags().Uint64Var(&scanChain, "chain", 0, "chain id to scan")
	scanCmd.Flags().Uint64Var(&scanFrom, "from", 0, "first block")
	scanCmd.Flags().Uint64Var(&scanTo, "to", 0, "last block (default: chain head)")
	_ = scanCmd.MarkFlagRequired("chain")
	_ = scanCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores := openStores(ctx, cfg)
	defer func() {
		_ = stores.Close()
	}()

	if err := historicalScan(ctx, cfg, stores, domain.ChainID(scanChain), scanFrom, scanTo); err != nil {
		slog.Error("Historical scan failed", "error", err)
		os.Exit(1)
	}
}

func historicalScan(ctx context.Context, cfg *config.AppConfig, stores *control.Stores, chainID domain.ChainID, from, to uint64) error {
	reg := registry.New(stores.Chains, cfg.Registry.CacheTTL)
	seeds := make([]*domain.Blockchain, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		seeds = append(seeds, c.Blockchain())
	}
	if err := reg.Seed(ctx, seeds); err != nil {
		return err
	}

	bc, err := reg.Resolve(ctx, chainID)
	if err != nil {
		return err
	}

	client, err := control.EVMDialer(cfg.Scanner.PollInterval)(ctx, bc)
	if err != nil {
		return err
	}
	s := scanner.New(scanner.Config{
		ChainID:         bc.ChainID,
		ContractAddress: bc.ContractAddress,
	}, client, cursor.NewManager(stores.Cursors), stores.Cursors, stores.Events)
	defer s.Cleanup(context.WithoutCancel(ctx))

	if to == 0 {
		head, err := s.Head(ctx)
		if err != nil {
			return fmt.Errorf("failed to get head: %w", err)
		}
		to = head
	}
	if from > to {
		return domain.ValidationError("historical scan", "from must not exceed to")
	}

	before, err := stores.Events.CountInRange(ctx, chainID, from, to)
	if err != nil {
		return err
	}

	chunk := max(cfg.Scanner.HistoricalChunkSize, 1)
	started := time.Now()
	slog.Info("Historical scan started", "chain", chainID, "from", from, "to", to, "chunk", chunk)

	var found int
	for start := from; start <= to; start += chunk {
		end := min(start+chunk-1, to)

		res, err := s.ScanBlockRange(ctx, start, end)
		if err != nil {
			return fmt.Errorf("blocks %d-%d: %w", start, end, err)
		}
		found += res.Found
		slog.Info("Chunk scanned", "from", start, "to", end, "found", res.Found, "inserted", res.Inserted)

		if end == to {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Scanner.HistoricalPause):
		}
	}

	after, err := stores.Events.CountInRange(ctx, chainID, from, to)
	if err != nil {
		return err
	}

	fmt.Printf("Chain %d blocks %d-%d: %d logs found, %d events before, %d after, %d added (%s)\n",
		chainID, from, to, found, before, after, after-before, time.Since(started).Round(time.Millisecond))
	return nil
}
