package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
)

// Manager handles cursor reads and writes for all chains.
type Manager interface {
	// Get returns the cursor; found is false when it was never set.
	Get(ctx context.Context, chainID domain.ChainID) (block uint64, found bool, err error)

	// Set overwrites the cursor.
	Set(ctx context.Context, chainID domain.ChainID, block uint64) error

	// GetLag returns how many blocks the cursor trails the given head.
	GetLag(ctx context.Context, chainID domain.ChainID, head uint64) (lag int64, found bool, err error)

	// GetMetrics returns the block rate for a chain.
	GetMetrics(chainID domain.ChainID) Metrics
}

// DefaultManager implements Manager over a Store.
type DefaultManager struct {
	store      Store
	mu         sync.RWMutex
	collectors map[domain.ChainID]*MetricsCollector
	now        func() time.Time
}

// Get retrieves the current cursor for a chain.
func (m *DefaultManager) Get(ctx context.Context, chainID domain.ChainID) (uint64, bool, error) {
	block, found, err := m.store.GetLastProcessedBlock(ctx, chainID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return block, found, nil
}

// Set overwrites the cursor and records the move.
func (m *DefaultManager) Set(ctx context.Context, chainID domain.ChainID, block uint64) error {
	if err := m.store.SetLastProcessedBlock(ctx, chainID, block); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}

	m.mu.Lock()
	collector, ok := m.collectors[chainID]
	if !ok {
		collector = NewMetricsCollector(100)
		m.collectors[chainID] = collector
	}
	collector.RecordBlock(block, m.now())
	rate := collector.GetMetrics().BlocksPerSecond
	m.mu.Unlock()

	label := chainID.String()
	metrics.CursorBlock.WithLabelValues(label).Set(float64(block))
	metrics.BlocksPerSecond.WithLabelValues(label).Set(rate)
	return nil
}

// GetLag returns how many blocks behind the chain tip the cursor is.
// A cursor ahead of the given head yields a negative lag.
func (m *DefaultManager) GetLag(ctx context.Context, chainID domain.ChainID, head uint64) (int64, bool, error) {
	block, found, err := m.Get(ctx, chainID)
	if err != nil || !found {
		return 0, found, err
	}
	return int64(head) - int64(block), true, nil
}

// GetMetrics returns performance metrics for a chain.
func (m *DefaultManager) GetMetrics(chainID domain.ChainID) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.collectors[chainID]; ok {
		return collector.GetMetrics()
	}
	return Metrics{}
}
