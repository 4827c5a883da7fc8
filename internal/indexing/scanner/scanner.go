// Package scanner indexes FeesCollected events of one chain: explicit block
// range scans, a live log subscription, and the gap processor that backfills
// whatever the live subscription missed.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/backfill"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
	"github.com/vietddude/feewatcher/internal/infra/chain"
	"github.com/vietddude/feewatcher/internal/infra/chain/evm"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

const (
	DefaultGapChunkSize = 100
	DefaultGapInterval  = 10 * time.Second
	DefaultLookback     = 100

	resubscribeMinBackoff = time.Second
	resubscribeMaxBackoff = 30 * time.Second
)

// Event sources used as metric labels.
const (
	sourceLive   = "live"
	sourceGap    = "gap"
	sourceManual = "manual"
)

// Config configures one chain scanner.
type Config struct {
	ChainID         domain.ChainID
	ContractAddress string
	GapChunkSize    uint64
	GapInterval     time.Duration
	Lookback        uint64
}

func (c *Config) applyDefaults() {
	if c.GapChunkSize == 0 {
		c.GapChunkSize = DefaultGapChunkSize
	}
	if c.GapInterval <= 0 {
		c.GapInterval = DefaultGapInterval
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
}

// LogParser decodes a raw log into fee amounts.
type LogParser func(log types.Log) (domain.FeeAmounts, error)

// ScanResult summarizes one range scan.
type ScanResult struct {
	FromBlock  uint64 `json:"fromBlock"`
	ToBlock    uint64 `json:"toBlock"`
	Found      int    `json:"found"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
}

// Status is a snapshot of a scanner.
type Status struct {
	ChainID            domain.ChainID  `json:"chainId"`
	Running            bool            `json:"isRunning"`
	ContractAddress    string          `json:"contractAddress"`
	LastProcessedBlock *uint64         `json:"lastProcessedBlock"`
	Gaps               backfill.Status `json:"gapProcessor"`
}

// Scanner indexes one chain. It holds no running state until started.
type Scanner struct {
	cfg     Config
	client  chain.Client
	cursors cursor.Manager
	gaps    storage.GapStore
	events  storage.EventRepository
	parse   LogParser
	log     *slog.Logger

	running atomic.Bool

	minBackoff time.Duration
	maxBackoff time.Duration

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	// mu guards the fields below, shared with the consumer goroutine
	mu        sync.Mutex
	processor *backfill.Processor
	sub       ethereum.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a scanner for one chain.
func New(
	cfg Config,
	client chain.Client,
	cursors cursor.Manager,
	gaps storage.GapStore,
	events storage.EventRepository,
) *Scanner {
	cfg.applyDefaults()
	return &Scanner{
		cfg:     cfg,
		client:  client,
		cursors: cursors,
		gaps:    gaps,
		events:  events,
		parse:   evm.ParseFeesCollected,
		log:     slog.Default().With("component", "scanner", "chain", cfg.ChainID),

		minBackoff: resubscribeMinBackoff,
		maxBackoff: resubscribeMaxBackoff,
	}
}

// ChainID returns the chain this scanner indexes.
func (s *Scanner) ChainID() domain.ChainID {
	return s.cfg.ChainID
}

// IsRunning reports whether the live listener is active.
func (s *Scanner) IsRunning() bool {
	return s.running.Load()
}

// ScanBlockRange indexes every FeesCollected log in [from, to]. It stops at
// the first log that cannot be decoded or stored; events stored before that
// stay stored.
func (s *Scanner) ScanBlockRange(ctx context.Context, from, to uint64) (ScanResult, error) {
	return s.scanRange(ctx, from, to, sourceManual)
}

func (s *Scanner) scanRange(ctx context.Context, from, to uint64, source string) (ScanResult, error) {
	res := ScanResult{FromBlock: from, ToBlock: to}
	if from > to {
		return res, domain.ValidationError("scan block range", "fromBlock must not exceed toBlock")
	}

	logs, err := s.client.QueryLogs(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("failed to query logs %d-%d: %w", from, to, err)
	}
	res.Found = len(logs)

	for _, l := range logs {
		inserted, err := s.persist(ctx, l, source, true)
		if err != nil {
			return res, fmt.Errorf("block %d tx %s log %d: %w", l.BlockNumber, l.TxHash.Hex(), l.Index, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}

	metrics.EventsPersisted.WithLabelValues(s.cfg.ChainID.String(), source).Add(float64(res.Inserted))
	s.log.Debug("range scanned",
		"from", from,
		"to", to,
		"found", res.Found,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
	)
	return res, nil
}

// persist decodes and stores one log. With strictTime a timestamp lookup
// failure fails the log; otherwise the event is stored without a timestamp.
func (s *Scanner) persist(ctx context.Context, l types.Log, source string, strictTime bool) (bool, error) {
	amounts, err := s.parse(l)
	if err != nil {
		return false, fmt.Errorf("failed to parse log: %w", err)
	}

	var blockTime *time.Time
	ts, err := s.client.BlockTimestamp(ctx, l.BlockNumber)
	switch {
	case err == nil:
		blockTime = &ts
	case strictTime:
		return false, fmt.Errorf("failed to get block timestamp: %w", err)
	default:
		s.log.Warn("storing event without timestamp", "block", l.BlockNumber, "error", err)
	}

	ev := domain.NewFeeEvent(s.cfg.ChainID, amounts, l.BlockNumber, l.TxHash.Hex(), l.Index, blockTime)
	inserted, err := s.events.InsertIfAbsent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("failed to store event: %w", err)
	}
	if !inserted {
		metrics.EventsDuplicate.WithLabelValues(s.cfg.ChainID.String()).Inc()
	}
	return inserted, nil
}

// Head returns the current chain head.
func (s *Scanner) Head(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}
