package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/core/worker"
)

const (
	DefaultRefreshInterval = 10 * time.Second

	degradedBacklog    = 10_000
	criticalBacklog    = 100_000
	criticalFailedGaps = 5
)

// ScannerSource lists running scanners and reads their chain heads.
type ScannerSource interface {
	RunningChains() []domain.ChainID
	Head(ctx context.Context, chainID domain.ChainID) (uint64, error)
}

// GapStatsReader reads the gap queue summary of a chain.
type GapStatsReader interface {
	GetGapStats(ctx context.Context, chainID domain.ChainID) (domain.GapStats, error)
}

// Monitor aggregates health status from the running scanners. Reports are
// refreshed in the background and served from the last refresh.
type Monitor struct {
	scanners ScannerSource
	cursors  cursor.Manager
	gaps     GapStatsReader
	worker   *worker.Periodic
	log      *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	scanners ScannerSource,
	cursors cursor.Manager,
	gaps GapStatsReader,
	refresh time.Duration,
) *Monitor {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	m := &Monitor{
		scanners: scanners,
		cursors:  cursors,
		gaps:     gaps,
		log:      slog.Default().With("component", "health-monitor"),
		now:      time.Now,
	}
	m.worker = worker.NewPeriodic("health-monitor", refresh, func(ctx context.Context) {
		m.Refresh(ctx)
	})
	return m
}

// Start begins background refreshes.
func (m *Monitor) Start(ctx context.Context) {
	m.worker.Start(ctx)
}

// Stop halts background refreshes.
func (m *Monitor) Stop() {
	m.worker.Stop()
}

// CheckHealth returns the last report, computing one if none exists yet.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()

	if last != nil {
		return *last
	}
	return m.Refresh(ctx)
}

// Refresh checks every running scanner and stores the report.
func (m *Monitor) Refresh(ctx context.Context) HealthReport {
	report := HealthReport{
		Chains:    make(map[string]ChainHealth),
		CheckedAt: m.now(),
	}
	for _, id := range m.scanners.RunningChains() {
		report.Chains[id.String()] = m.checkChain(ctx, id)
	}
	report.SystemStatus = Aggregate(report.Chains)

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	if report.SystemStatus != StatusHealthy {
		m.log.Warn("system unhealthy", "status", report.SystemStatus)
	}
	return report
}

func (m *Monitor) checkChain(ctx context.Context, chainID domain.ChainID) ChainHealth {
	h := ChainHealth{
		ChainID:         chainID.String(),
		Status:          StatusHealthy,
		BlocksPerSecond: m.cursors.GetMetrics(chainID).BlocksPerSecond,
	}
	degraded := false

	head, err := m.scanners.Head(ctx, chainID)
	if err != nil {
		h.Error = err.Error()
		degraded = true
	} else {
		h.Head = head
		if lag, found, err := m.cursors.GetLag(ctx, chainID, head); err == nil && found {
			h.Cursor = uint64(int64(head) - lag)
			if lag > 0 {
				h.BlocksBehind = uint64(lag)
			}
		}
	}

	stats, err := m.gaps.GetGapStats(ctx, chainID)
	if err != nil {
		h.Error = err.Error()
		degraded = true
	} else {
		h.PendingGaps = stats.Pending + stats.Processing
		h.FailedGaps = stats.Failed
		h.BacklogBlocks = stats.RemainingBlocks
	}

	switch {
	case h.FailedGaps >= criticalFailedGaps || h.BacklogBlocks > criticalBacklog:
		h.Status = StatusCritical
	case degraded || h.FailedGaps > 0 || h.BacklogBlocks > degradedBacklog:
		h.Status = StatusDegraded
	}
	return h
}
