// Package backfill detects and drains block ranges that were never scanned.
//
// # Gaps
//
// A gap is an inclusive block range [start, end] with a progress pointer to
// the next unprocessed block. Gaps live in the cursor store, so a restart
// resumes a half-drained gap where it stopped.
//
// # Detection
//
// Detection runs once when a scanner starts and compares the chain head to
// the stored cursor:
//
//	cursor 1000, head 1200  ->  gap 1001-1200
//	no cursor, last event at 900, head 1200  ->  gap 901-1200, cursor := 1200
//	no cursor, no events, head 1200, lookback 100  ->  gap 1101-1200, cursor := 1200
//
// # Processing
//
// The processor advances one chunk of one gap per tick:
//
//	processor := backfill.NewProcessor(137, backfill.DefaultConfig(), gapStore, scanner.ScanRange)
//	processor.Start(ctx)
//	defer processor.Stop()
//
// A failed chunk marks the gap failed with the error text; failed gaps stay
// put until RequeueFailed moves them back to pending.
package backfill

import (
	"context"
	"time"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/core/worker"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// ScanFunc scans the inclusive block range [from, to].
type ScanFunc func(ctx context.Context, from, to uint64) error

// LatestEventFinder reports the most recent stored event of a chain.
type LatestEventFinder interface {
	FindMostRecentByChain(ctx context.Context, chainID domain.ChainID) (*domain.FeeEvent, error)
}

// NewDetector creates a new gap detector.
func NewDetector(
	chainID domain.ChainID,
	cursors cursor.Manager,
	gaps storage.GapStore,
	events LatestEventFinder,
	lookback uint64,
) *Detector {
	return &Detector{
		chainID:  chainID,
		cursors:  cursors,
		gaps:     gaps,
		events:   events,
		lookback: lookback,
	}
}

// NewProcessor creates a new processor with the given configuration.
func NewProcessor(chainID domain.ChainID, config Config, store storage.GapStore, scan ScanFunc) *Processor {
	def := DefaultConfig()
	if config.ChunkSize == 0 {
		config.ChunkSize = def.ChunkSize
	}
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = def.ProcessInterval
	}

	p := &Processor{
		chainID: chainID,
		config:  config,
		store:   store,
		scan:    scan,
		log:     processorLogger(chainID),
	}
	p.worker = worker.NewPeriodic("gap-processor-"+chainID.String(), config.ProcessInterval, p.scheduledTick)
	return p
}

// Config configures the processor.
type Config struct {
	ChunkSize       uint64        // Blocks per tick
	ProcessInterval time.Duration // Time between ticks
}

// DefaultConfig returns the standalone defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       200,
		ProcessInterval: 2 * time.Second,
	}
}
