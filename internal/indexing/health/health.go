// Package health reports scanner health and serves the HTTP API.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for one running scanner.
type ChainHealth struct {
	ChainID         string       `json:"chain_id"`
	Status          SystemStatus `json:"status"`
	Head            uint64       `json:"head,omitempty"`
	Cursor          uint64       `json:"cursor,omitempty"`
	BlocksBehind    uint64       `json:"blocks_behind"`
	PendingGaps     int          `json:"pending_gaps"`
	FailedGaps      int          `json:"failed_gaps"`
	BacklogBlocks   uint64       `json:"backlog_blocks"`
	BlocksPerSecond float64      `json:"blocks_per_second"`
	Error           string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
	CheckedAt    time.Time              `json:"checked_at"`
}

// Aggregate returns the worst status of the given chains.
func Aggregate(chains map[string]ChainHealth) SystemStatus {
	status := StatusHealthy
	for _, c := range chains {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
