package domain

import (
	"slices"
	"time"
)

// Gap is a persisted claim on a contiguous range of blocks that still have
// to be scanned for one chain.
//
// Blocks in [StartBlock, CurrentProgress) are done; [CurrentProgress, EndBlock]
// remain. A finished gap is deleted rather than kept as "completed".
type Gap struct {
	ID              string    `json:"id"`
	ChainID         ChainID   `json:"chainId"`
	StartBlock      uint64    `json:"startBlock"`
	EndBlock        uint64    `json:"endBlock"`
	CurrentProgress uint64    `json:"currentProgress"`
	Status          GapStatus `json:"status"`
	TotalBlocks     uint64    `json:"totalBlocks"`
	ProcessedBlocks uint64    `json:"processedBlocks"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type GapStatus string

const (
	GapStatusPending    GapStatus = "pending"
	GapStatusProcessing GapStatus = "processing"
	GapStatusFailed     GapStatus = "failed"
)

// NewGap builds a pending gap with its bookkeeping fields filled in.
func NewGap(id string, chainID ChainID, start, end uint64, now time.Time) *Gap {
	return &Gap{
		ID:              id,
		ChainID:         chainID,
		StartBlock:      start,
		EndBlock:        end,
		CurrentProgress: start,
		Status:          GapStatusPending,
		TotalBlocks:     end - start + 1,
		ProcessedBlocks: 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SetProgress moves the next-unprocessed pointer and recomputes ProcessedBlocks.
func (g *Gap) SetProgress(progress uint64, now time.Time) {
	g.CurrentProgress = progress
	g.ProcessedBlocks = progress - g.StartBlock
	g.UpdatedAt = now
}

// Remaining returns how many blocks are still to be scanned.
func (g *Gap) Remaining() uint64 {
	if g.CurrentProgress > g.EndBlock {
		return 0
	}
	return g.EndBlock - g.CurrentProgress + 1
}

// GapStats aggregates the gap queue of one chain.
type GapStats struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Processing      int    `json:"processing"`
	Failed          int    `json:"failed"`
	RemainingBlocks uint64 `json:"remainingBlocks"`
}

// ComputeGapStats folds a gap list into GapStats. Failed gaps do not count
// towards RemainingBlocks.
func ComputeGapStats(gaps []*Gap) GapStats {
	stats := GapStats{Total: len(gaps)}
	for _, g := range gaps {
		switch g.Status {
		case GapStatusPending:
			stats.Pending++
			stats.RemainingBlocks += g.Remaining()
		case GapStatusProcessing:
			stats.Processing++
			stats.RemainingBlocks += g.Remaining()
		case GapStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// SortGaps orders gaps by creation time, then by start block.
func SortGaps(gaps []*Gap) {
	slices.SortFunc(gaps, func(a, b *Gap) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.StartBlock < b.StartBlock:
			return -1
		case a.StartBlock > b.StartBlock:
			return 1
		}
		return 0
	})
}
