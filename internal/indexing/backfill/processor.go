package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/core/worker"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// Processor drains the gap queue of one chain, one chunk per tick.
type Processor struct {
	chainID domain.ChainID
	config  Config
	store   storage.GapStore
	scan    ScanFunc
	log     *slog.Logger
	worker  *worker.Periodic

	// tickMu serializes ticks; scheduled ticks skip when it is held
	tickMu sync.Mutex
}

// Status is a snapshot of the processor and its queue.
type Status struct {
	Running           bool            `json:"isRunning"`
	ChunkSize         uint64          `json:"chunkSize"`
	ProcessIntervalMs int64           `json:"processIntervalMs"`
	Stats             domain.GapStats `json:"stats"`
	CurrentGap        *domain.Gap     `json:"currentGap,omitempty"`
}

func processorLogger(chainID domain.ChainID) *slog.Logger {
	return slog.Default().With("component", "gap-processor", "chain", chainID)
}

// Start begins ticking. Calling Start on a running processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	if p.worker.IsRunning() {
		return
	}
	p.worker.Start(ctx)
	p.log.Info("gap processor started",
		"chunk_size", p.config.ChunkSize,
		"interval", p.config.ProcessInterval,
	)
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (p *Processor) Stop() {
	if !p.worker.IsRunning() {
		return
	}
	p.worker.Stop()
	p.log.Info("gap processor stopped")
}

// IsRunning reports whether scheduled ticks are active.
func (p *Processor) IsRunning() bool {
	return p.worker.IsRunning()
}

// ProcessNow runs exactly one tick synchronously, waiting for a scheduled
// tick in flight. It reports whether a chunk was scanned successfully.
func (p *Processor) ProcessNow(ctx context.Context) (bool, error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	return p.tick(ctx)
}

// scheduledTick is the periodic entry point. Stop cancels ctx but must not
// abort a chunk that already started, so the tick runs detached from it.
func (p *Processor) scheduledTick(ctx context.Context) {
	if !p.tickMu.TryLock() {
		p.log.Debug("previous tick still in flight, skipping")
		return
	}
	defer p.tickMu.Unlock()

	if _, err := p.tick(context.WithoutCancel(ctx)); err != nil {
		p.log.Error("gap tick failed", "error", err)
	}
}

// tick advances the current gap by one chunk.
func (p *Processor) tick(ctx context.Context) (bool, error) {
	gap, err := p.nextGap(ctx)
	if err != nil || gap == nil {
		return false, err
	}

	from := gap.CurrentProgress
	to := min(from+p.config.ChunkSize-1, gap.EndBlock)
	label := p.chainID.String()

	p.log.Debug("scanning gap chunk", "gap_id", gap.ID, "from", from, "to", to)

	if err := p.scan(ctx, from, to); err != nil {
		metrics.GapChunks.WithLabelValues(label, "failed").Inc()
		if markErr := p.store.MarkGapAsFailed(ctx, p.chainID, gap.ID, err.Error()); markErr != nil {
			p.log.Error("failed to mark gap as failed", "gap_id", gap.ID, "error", markErr)
		}
		p.log.Warn("gap chunk failed",
			"gap_id", gap.ID,
			"from", from,
			"to", to,
			"error", err,
		)
		return false, fmt.Errorf("gap %s chunk %d-%d: %w", gap.ID, from, to, err)
	}
	metrics.GapChunks.WithLabelValues(label, "ok").Inc()

	if to >= gap.EndBlock {
		if err := p.store.MarkGapAsCompleted(ctx, p.chainID, gap.ID); err != nil {
			return false, fmt.Errorf("failed to complete gap %s: %w", gap.ID, err)
		}
		metrics.GapsCompleted.WithLabelValues(label).Inc()
		p.log.Info("gap completed",
			"gap_id", gap.ID,
			"from", gap.StartBlock,
			"to", gap.EndBlock,
		)
	} else {
		if err := p.store.UpdateGapProgress(ctx, p.chainID, gap.ID, to+1); err != nil {
			return false, fmt.Errorf("failed to update gap %s progress: %w", gap.ID, err)
		}
	}

	p.refreshQueueGauge(ctx)
	return true, nil
}

// nextGap returns the processing gap, or promotes the oldest pending one.
func (p *Processor) nextGap(ctx context.Context) (*domain.Gap, error) {
	gap, err := p.store.GetCurrentProcessingGap(ctx, p.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get processing gap: %w", err)
	}
	if gap != nil {
		return gap, nil
	}

	gap, err = p.store.GetNextPendingGap(ctx, p.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending gap: %w", err)
	}
	if gap == nil {
		return nil, nil
	}

	if err := p.store.MarkGapAsProcessing(ctx, p.chainID, gap.ID); err != nil {
		return nil, fmt.Errorf("failed to mark gap %s processing: %w", gap.ID, err)
	}
	gap.Status = domain.GapStatusProcessing
	p.log.Info("gap processing started",
		"gap_id", gap.ID,
		"from", gap.CurrentProgress,
		"to", gap.EndBlock,
	)
	return gap, nil
}

func (p *Processor) refreshQueueGauge(ctx context.Context) {
	stats, err := p.store.GetGapStats(ctx, p.chainID)
	if err != nil {
		return
	}
	metrics.GapRemainingBlocks.WithLabelValues(p.chainID.String()).Set(float64(stats.RemainingBlocks))
}

// AddGap queues a new pending gap.
func (p *Processor) AddGap(ctx context.Context, start, end uint64) (string, error) {
	if start > end {
		return "", domain.ValidationError("add gap", "startBlock must not exceed endBlock")
	}
	id, err := p.store.AddGap(ctx, p.chainID, start, end)
	if err != nil {
		return "", fmt.Errorf("failed to add gap: %w", err)
	}
	p.refreshQueueGauge(ctx)
	return id, nil
}

// RequeueFailed moves failed gaps back to pending, keeping their progress.
func (p *Processor) RequeueFailed(ctx context.Context) (int, error) {
	n, err := p.store.RequeueFailedGaps(ctx, p.chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue gaps: %w", err)
	}
	if n > 0 {
		p.log.Info("failed gaps requeued", "count", n)
		p.refreshQueueGauge(ctx)
	}
	return n, nil
}

// GetStatus returns the processor configuration and queue state.
func (p *Processor) GetStatus(ctx context.Context) (Status, error) {
	st, err := LoadStatus(ctx, p.store, p.chainID, p.config)
	if err != nil {
		return st, err
	}
	st.Running = p.IsRunning()
	return st, nil
}

// LoadStatus builds a status from the store alone, for chains without a
// running processor.
func LoadStatus(ctx context.Context, store storage.GapStore, chainID domain.ChainID, config Config) (Status, error) {
	st := Status{
		ChunkSize:         config.ChunkSize,
		ProcessIntervalMs: config.ProcessInterval.Milliseconds(),
	}

	stats, err := store.GetGapStats(ctx, chainID)
	if err != nil {
		return st, fmt.Errorf("failed to get gap stats: %w", err)
	}
	st.Stats = stats

	current, err := store.GetCurrentProcessingGap(ctx, chainID)
	if err != nil {
		return st, fmt.Errorf("failed to get processing gap: %w", err)
	}
	st.CurrentGap = current
	return st, nil
}
