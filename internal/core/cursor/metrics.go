package cursor

import (
	"time"
)

// blockRecord holds timing data for a cursor move.
type blockRecord struct {
	BlockNumber uint64
	ProcessedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	BlocksPerSecond  float64       `json:"blocksPerSecond"`
	AverageBlockTime time.Duration `json:"averageBlockTime"`
	LastBlock        uint64        `json:"lastBlock"`
	LastUpdatedAt    *time.Time    `json:"lastUpdatedAt,omitempty"`
}

// MetricsCollector tracks cursor movement over a sliding window. It is not
// safe for concurrent use; the manager guards it.
type MetricsCollector struct {
	windowSize int           // number of moves to track
	blockTimes []blockRecord // ring buffer of block records
}

// RecordBlock records a cursor move.
func (mc *MetricsCollector) RecordBlock(blockNumber uint64, processedAt time.Time) {
	record := blockRecord{
		BlockNumber: blockNumber,
		ProcessedAt: processedAt,
	}

	if len(mc.blockTimes) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.blockTimes, mc.blockTimes[1:])
		mc.blockTimes[len(mc.blockTimes)-1] = record
	} else {
		mc.blockTimes = append(mc.blockTimes, record)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	var m Metrics
	if len(mc.blockTimes) == 0 {
		return m
	}

	last := mc.blockTimes[len(mc.blockTimes)-1]
	m.LastBlock = last.BlockNumber
	at := last.ProcessedAt
	m.LastUpdatedAt = &at

	// Rate is measured in blocks advanced, not in number of moves
	first := mc.blockTimes[0]
	duration := last.ProcessedAt.Sub(first.ProcessedAt)
	if duration > 0 && last.BlockNumber > first.BlockNumber {
		blocks := float64(last.BlockNumber - first.BlockNumber)
		m.BlocksPerSecond = blocks / duration.Seconds()
		m.AverageBlockTime = time.Duration(float64(duration) / blocks)
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.blockTimes = mc.blockTimes[:0]
}
