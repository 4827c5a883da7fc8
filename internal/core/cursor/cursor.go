// Package cursor tracks the last processed block for each chain.
//
// The cursor is a bookmark, not a high-water mark: it is overwritten on every
// live event, on scanner stop and on gap detection, and may move backwards if
// a late event arrives. Blocks behind it that were never scanned are tracked
// as gaps by the backfill package, not here.
//
//	manager := cursor.NewManager(store)
//
//	// Record progress
//	manager.Set(ctx, 137, 51234567)
//
//	// How far behind the head are we?
//	lag, found, _ := manager.GetLag(ctx, 137, head)
//
// # Package Structure
//
//   - manager.go - Manager implementation over the cursor store
//   - metrics.go - Block rate metrics (blocks/sec, average block time)
package cursor

import (
	"context"
	"time"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

// Store is the cursor half of storage.CursorStore.
type Store interface {
	GetLastProcessedBlock(ctx context.Context, chainID domain.ChainID) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chainID domain.ChainID, block uint64) error
}

// NewManager creates a new cursor manager over the given store.
func NewManager(store Store) *DefaultManager {
	return &DefaultManager{
		store:      store,
		collectors: make(map[domain.ChainID]*MetricsCollector),
		now:        time.Now,
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		blockTimes: make([]blockRecord, 0, windowSize),
	}
}
