package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPersisted tracks newly stored events per chain and source (live, gap, manual)
	EventsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_events_persisted_total",
			Help: "Total number of fee events stored",
		},
		[]string{"chain", "source"},
	)

	// EventsDuplicate tracks events skipped because they were already stored
	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_events_duplicate_total",
			Help: "Total number of fee events skipped as duplicates",
		},
		[]string{"chain"},
	)

	// GapChunks tracks gap chunk scans by result (ok, failed)
	GapChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_gap_chunks_total",
			Help: "Total number of gap chunks scanned",
		},
		[]string{"chain", "result"},
	)

	// GapsCompleted counts gaps fully backfilled and deleted
	GapsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_gaps_completed_total",
			Help: "Total number of gaps completed",
		},
		[]string{"chain"},
	)

	// GapsDetected counts gaps created by startup detection
	GapsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_gaps_detected_total",
			Help: "Total number of gaps created by startup detection",
		},
		[]string{"chain"},
	)

	// GapSize records the size of detected gaps
	GapSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feewatcher_gap_size_blocks",
			Help:    "Size of detected gaps in blocks",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		},
		[]string{"chain"},
	)

	// GapRemainingBlocks tracks blocks still queued in pending or processing gaps
	GapRemainingBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feewatcher_gap_remaining_blocks",
			Help: "Blocks remaining in the gap queue",
		},
		[]string{"chain"},
	)

	// CursorBlock tracks the last processed block of each chain
	CursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feewatcher_cursor_block",
			Help: "Last processed block stored in the cursor",
		},
		[]string{"chain"},
	)

	// ChainHeadBlock tracks the latest block height seen on the chain
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feewatcher_chain_head_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// BlocksPerSecond tracks the cursor advance rate
	BlocksPerSecond = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feewatcher_blocks_per_second",
			Help: "Cursor advance rate in blocks per second",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks RPC calls per chain and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and method
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feewatcher_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// LiveResubscribes counts live subscription restarts after an error
	LiveResubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feewatcher_live_resubscribes_total",
			Help: "Total number of live subscription reconnects",
		},
		[]string{"chain"},
	)

	// ScannersRunning tracks the number of running chain scanners
	ScannersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feewatcher_scanners_running",
			Help: "Number of running chain scanners",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feewatcher_db_connection_pool_usage",
			Help: "Open database connections as a percentage of the pool size",
		},
	)
)
