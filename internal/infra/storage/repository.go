package storage

import (
	"context"
	"errors"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

var (
	// ErrGapNotFound is returned when a gap update targets an unknown gap id
	ErrGapNotFound = errors.New("gap not found")

	// ErrProcessingGapExists is returned when a second gap of a chain would
	// be marked as processing
	ErrProcessingGapExists = errors.New("another gap is already processing")
)

// CursorStore holds the per-chain cursor and gap queue.
// Every gap update is a read-modify-write that must be atomic per gap.
type CursorStore interface {
	// GetLastProcessedBlock returns the cursor; found is false when never set
	GetLastProcessedBlock(ctx context.Context, chainID domain.ChainID) (block uint64, found bool, err error)

	// SetLastProcessedBlock overwrites the cursor unconditionally
	SetLastProcessedBlock(ctx context.Context, chainID domain.ChainID, block uint64) error

	GapStore
}

// GapStore is the gap half of the cursor store.
type GapStore interface {
	// AddGap always creates a new pending gap and returns its id
	AddGap(ctx context.Context, chainID domain.ChainID, startBlock, endBlock uint64) (string, error)

	// GetGaps returns all gaps ordered by creation time
	GetGaps(ctx context.Context, chainID domain.ChainID) ([]*domain.Gap, error)

	// GetNextPendingGap returns the oldest pending gap or nil
	GetNextPendingGap(ctx context.Context, chainID domain.ChainID) (*domain.Gap, error)

	// GetCurrentProcessingGap returns the processing gap or nil
	GetCurrentProcessingGap(ctx context.Context, chainID domain.ChainID) (*domain.Gap, error)

	// MarkGapAsProcessing transitions a gap to processing
	MarkGapAsProcessing(ctx context.Context, chainID domain.ChainID, gapID string) error

	// UpdateGapProgress stores the next unprocessed block of a gap
	UpdateGapProgress(ctx context.Context, chainID domain.ChainID, gapID string, progress uint64) error

	// MarkGapAsCompleted deletes the gap
	MarkGapAsCompleted(ctx context.Context, chainID domain.ChainID, gapID string) error

	// MarkGapAsFailed records the failure reason
	MarkGapAsFailed(ctx context.Context, chainID domain.ChainID, gapID string, reason string) error

	// GetGapStats aggregates the gap queue
	GetGapStats(ctx context.Context, chainID domain.ChainID) (domain.GapStats, error)

	// ClearAllGaps drops every gap of the chain
	ClearAllGaps(ctx context.Context, chainID domain.ChainID) error

	// RequeueFailedGaps moves failed gaps back to pending, keeping progress
	RequeueFailedGaps(ctx context.Context, chainID domain.ChainID) (int, error)
}

// SortField is an allowed ordering column for event queries.
type SortField string

const (
	SortByBlockNumber    SortField = "blockNumber"
	SortByBlockTimestamp SortField = "blockTimestamp"
	SortByCreatedAt      SortField = "createdAt"
)

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// EventQuery filters events of one integrator.
type EventQuery struct {
	Integrator string
	ChainID    *domain.ChainID
	Token      string
	FromBlock  *uint64
	ToBlock    *uint64
	Page       int
	Limit      int
	SortBy     SortField
	SortOrder  SortOrder
}

// Normalize fills defaults and validates the query.
func (q *EventQuery) Normalize() error {
	if q.Integrator == "" {
		return domain.ValidationError("event query", "integrator address is required")
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return domain.ValidationError("event query", "page must be a positive integer")
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit < 1 || q.Limit > MaxPageLimit {
		return domain.ValidationError("event query", "limit must be between 1 and 1000")
	}
	switch q.SortBy {
	case "":
		q.SortBy = SortByBlockNumber
	case SortByBlockNumber, SortByBlockTimestamp, SortByCreatedAt:
	default:
		return domain.ValidationError(
			"event query",
			"sortBy must be one of: blockNumber, blockTimestamp, createdAt",
		)
	}
	switch q.SortOrder {
	case "":
		q.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return domain.ValidationError("event query", "sortOrder must be either asc or desc")
	}
	if q.FromBlock != nil && q.ToBlock != nil && *q.FromBlock > *q.ToBlock {
		return domain.ValidationError("event query", "fromBlock must not exceed toBlock")
	}
	return nil
}

// Offset returns the number of rows to skip.
func (q *EventQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// EventPage is one page of query results.
type EventPage struct {
	Events     []*domain.FeeEvent `json:"events"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	Limit      int                `json:"limit"`
	TotalPages int                `json:"totalPages"`
}

// NewEventPage computes the page envelope for a result set.
func NewEventPage(events []*domain.FeeEvent, total int64, q EventQuery) *EventPage {
	pages := 0
	if q.Limit > 0 {
		pages = int((total + int64(q.Limit) - 1) / int64(q.Limit))
	}
	if events == nil {
		events = []*domain.FeeEvent{}
	}
	return &EventPage{Events: events, Total: total, Page: q.Page, Limit: q.Limit, TotalPages: pages}
}

// EventRepository persists fee events.
type EventRepository interface {
	// InsertIfAbsent stores the event; inserted is false for an existing identity key
	InsertIfAbsent(ctx context.Context, event *domain.FeeEvent) (inserted bool, err error)

	// FindMostRecentByChain returns the event with the highest block, or nil
	FindMostRecentByChain(ctx context.Context, chainID domain.ChainID) (*domain.FeeEvent, error)

	// DistinctIntegrators lists every integrator seen
	DistinctIntegrators(ctx context.Context) ([]string, error)

	// FindByIntegrator runs a filtered, paginated query
	FindByIntegrator(ctx context.Context, q EventQuery) (*EventPage, error)

	// CountInRange counts events of a chain within [from, to]
	CountInRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error)
}

// BlockchainRepository stores the chain registry.
type BlockchainRepository interface {
	// Upsert inserts or updates by chain id
	Upsert(ctx context.Context, chain *domain.Blockchain) error

	// UpsertMany writes all chains atomically where the backend allows it
	UpsertMany(ctx context.Context, chains []*domain.Blockchain) error

	// GetByChainID returns the chain or nil
	GetByChainID(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error)

	// List returns all chains ordered by chain id
	List(ctx context.Context) ([]*domain.Blockchain, error)

	// SetScanEnabled toggles scanning
	SetScanEnabled(ctx context.Context, chainID domain.ChainID, enabled bool) error

	// SetActive toggles the active flag
	SetActive(ctx context.Context, chainID domain.ChainID, active bool) error
}
