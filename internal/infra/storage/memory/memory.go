package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

type MemoryStorage struct {
	cursors map[domain.ChainID]uint64
	gaps    map[domain.ChainID]map[string]*domain.Gap
	events  map[domain.EventKey]*domain.FeeEvent
	chains  map[domain.ChainID]*domain.Blockchain
	now     func() time.Time
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cursors: make(map[domain.ChainID]uint64),
		gaps:    make(map[domain.ChainID]map[string]*domain.Gap),
		events:  make(map[domain.EventKey]*domain.FeeEvent),
		chains:  make(map[domain.ChainID]*domain.Blockchain),
		now:     time.Now,
	}
}

// SetClock overrides the time source, used by tests that need stable ordering.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// -----------------------------------------------------------------------------
// Cursor Store
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

var _ storage.CursorStore = (*CursorRepo)(nil)

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) GetLastProcessedBlock(ctx context.Context, chainID domain.ChainID) (uint64, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	block, ok := r.store.cursors[chainID]
	return block, ok, nil
}

func (r *CursorRepo) SetLastProcessedBlock(ctx context.Context, chainID domain.ChainID, block uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.cursors[chainID] = block
	return nil
}

func (r *CursorRepo) AddGap(ctx context.Context, chainID domain.ChainID, start, end uint64) (string, error) {
	if start > end {
		return "", domain.ValidationError("add gap", "startBlock must not exceed endBlock")
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	gap := domain.NewGap(uuid.New().String(), chainID, start, end, r.store.now())
	if r.store.gaps[chainID] == nil {
		r.store.gaps[chainID] = make(map[string]*domain.Gap)
	}
	r.store.gaps[chainID][gap.ID] = gap
	return gap.ID, nil
}

func (r *CursorRepo) GetGaps(ctx context.Context, chainID domain.ChainID) ([]*domain.Gap, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.snapshot(chainID), nil
}

// snapshot copies the gaps of a chain so callers never alias stored state.
// Caller holds the lock.
func (r *CursorRepo) snapshot(chainID domain.ChainID) []*domain.Gap {
	gaps := make([]*domain.Gap, 0, len(r.store.gaps[chainID]))
	for _, g := range r.store.gaps[chainID] {
		cp := *g
		gaps = append(gaps, &cp)
	}
	domain.SortGaps(gaps)
	return gaps
}

func (r *CursorRepo) firstWithStatus(chainID domain.ChainID, status domain.GapStatus) *domain.Gap {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, g := range r.snapshot(chainID) {
		if g.Status == status {
			return g
		}
	}
	return nil
}

func (r *CursorRepo) GetNextPendingGap(ctx context.Context, chainID domain.ChainID) (*domain.Gap, error) {
	return r.firstWithStatus(chainID, domain.GapStatusPending), nil
}

func (r *CursorRepo) GetCurrentProcessingGap(ctx context.Context, chainID domain.ChainID) (*domain.Gap, error) {
	return r.firstWithStatus(chainID, domain.GapStatusProcessing), nil
}

func (r *CursorRepo) MarkGapAsProcessing(ctx context.Context, chainID domain.ChainID, gapID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	target, ok := r.store.gaps[chainID][gapID]
	if !ok {
		return storage.ErrGapNotFound
	}
	for id, g := range r.store.gaps[chainID] {
		if id != gapID && g.Status == domain.GapStatusProcessing {
			return fmt.Errorf("gap %s: %w", id, storage.ErrProcessingGapExists)
		}
	}
	target.Status = domain.GapStatusProcessing
	target.Error = ""
	target.UpdatedAt = r.store.now()
	return nil
}

func (r *CursorRepo) UpdateGapProgress(ctx context.Context, chainID domain.ChainID, gapID string, progress uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	g, ok := r.store.gaps[chainID][gapID]
	if !ok {
		return storage.ErrGapNotFound
	}
	if progress < g.StartBlock || progress > g.EndBlock+1 {
		return fmt.Errorf("progress %d outside gap %d-%d", progress, g.StartBlock, g.EndBlock)
	}
	g.SetProgress(progress, r.store.now())
	return nil
}

func (r *CursorRepo) MarkGapAsCompleted(ctx context.Context, chainID domain.ChainID, gapID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.gaps[chainID], gapID)
	return nil
}

func (r *CursorRepo) MarkGapAsFailed(ctx context.Context, chainID domain.ChainID, gapID string, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	g, ok := r.store.gaps[chainID][gapID]
	if !ok {
		return storage.ErrGapNotFound
	}
	g.Status = domain.GapStatusFailed
	g.Error = reason
	g.UpdatedAt = r.store.now()
	return nil
}

func (r *CursorRepo) GetGapStats(ctx context.Context, chainID domain.ChainID) (domain.GapStats, error) {
	gaps, _ := r.GetGaps(ctx, chainID)
	return domain.ComputeGapStats(gaps), nil
}

func (r *CursorRepo) ClearAllGaps(ctx context.Context, chainID domain.ChainID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.gaps, chainID)
	return nil
}

func (r *CursorRepo) RequeueFailedGaps(ctx context.Context, chainID domain.ChainID) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := 0
	now := r.store.now()
	for _, g := range r.store.gaps[chainID] {
		if g.Status == domain.GapStatusFailed {
			g.Status = domain.GapStatusPending
			g.Error = ""
			g.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
}

var _ storage.EventRepository = (*EventRepo)(nil)

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) InsertIfAbsent(ctx context.Context, event *domain.FeeEvent) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := event.Key()
	if _, exists := r.store.events[key]; exists {
		return false, nil
	}
	cp := *event
	cp.CreatedAt = r.store.now()
	r.store.events[key] = &cp
	return true, nil
}

func (r *EventRepo) FindMostRecentByChain(ctx context.Context, chainID domain.ChainID) (*domain.FeeEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *domain.FeeEvent
	for _, e := range r.store.events {
		if e.ChainID != chainID {
			continue
		}
		if latest == nil || e.BlockNumber > latest.BlockNumber {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *EventRepo) DistinctIntegrators(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range r.store.events {
		seen[e.Integrator] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	slices.Sort(out)
	return out, nil
}

func (r *EventRepo) FindByIntegrator(ctx context.Context, q storage.EventQuery) (*storage.EventPage, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	var matched []*domain.FeeEvent
	integrator := strings.ToLower(q.Integrator)
	token := strings.ToLower(q.Token)
	for _, e := range r.store.events {
		if e.Integrator != integrator {
			continue
		}
		if q.ChainID != nil && e.ChainID != *q.ChainID {
			continue
		}
		if token != "" && e.Token != token {
			continue
		}
		if q.FromBlock != nil && e.BlockNumber < *q.FromBlock {
			continue
		}
		if q.ToBlock != nil && e.BlockNumber > *q.ToBlock {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	r.store.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.FeeEvent) int {
		c := compareEvents(a, b, q.SortBy)
		if q.SortOrder == storage.SortDesc {
			return -c
		}
		return c
	})

	total := int64(len(matched))
	start := min(q.Offset(), len(matched))
	end := min(start+q.Limit, len(matched))
	return storage.NewEventPage(matched[start:end], total, q), nil
}

func compareEvents(a, b *domain.FeeEvent, field storage.SortField) int {
	switch field {
	case storage.SortByBlockTimestamp:
		at, bt := time.Time{}, time.Time{}
		if a.BlockTimestamp != nil {
			at = *a.BlockTimestamp
		}
		if b.BlockTimestamp != nil {
			bt = *b.BlockTimestamp
		}
		if c := at.Compare(bt); c != 0 {
			return c
		}
	case storage.SortByCreatedAt:
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
	}
	switch {
	case a.BlockNumber < b.BlockNumber:
		return -1
	case a.BlockNumber > b.BlockNumber:
		return 1
	case a.LogIndex < b.LogIndex:
		return -1
	case a.LogIndex > b.LogIndex:
		return 1
	}
	return strings.Compare(a.TransactionHash, b.TransactionHash)
}

func (r *EventRepo) CountInRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var n int64
	for _, e := range r.store.events {
		if e.ChainID == chainID && e.BlockNumber >= from && e.BlockNumber <= to {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Blockchain Repository
// -----------------------------------------------------------------------------

type BlockchainRepo struct {
	store *MemoryStorage
}

var _ storage.BlockchainRepository = (*BlockchainRepo)(nil)

func NewBlockchainRepo(store *MemoryStorage) *BlockchainRepo {
	return &BlockchainRepo{store: store}
}

func (r *BlockchainRepo) Upsert(ctx context.Context, chain *domain.Blockchain) error {
	if err := chain.Validate(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := r.store.now()
	cp := *chain
	if existing, ok := r.store.chains[chain.ChainID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.store.chains[chain.ChainID] = &cp
	return nil
}

func (r *BlockchainRepo) UpsertMany(ctx context.Context, chains []*domain.Blockchain) error {
	for _, c := range chains {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, c := range chains {
		if err := r.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *BlockchainRepo) GetByChainID(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.chains[chainID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *BlockchainRepo) List(ctx context.Context) ([]*domain.Blockchain, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Blockchain, 0, len(r.store.chains))
	for _, c := range r.store.chains {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *domain.Blockchain) int {
		switch {
		case a.ChainID < b.ChainID:
			return -1
		case a.ChainID > b.ChainID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *BlockchainRepo) SetScanEnabled(ctx context.Context, chainID domain.ChainID, enabled bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.chains[chainID]
	if !ok {
		return domain.WithChain(domain.ErrBlockchainNotFound, chainID)
	}
	if enabled && c.ContractAddress == "" {
		return domain.ValidationError(
			"set scan enabled",
			"blockchains with scanning enabled must have contractAddress",
		)
	}
	c.ScanEnabled = enabled
	c.UpdatedAt = r.store.now()
	return nil
}

func (r *BlockchainRepo) SetActive(ctx context.Context, chainID domain.ChainID, active bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.chains[chainID]
	if !ok {
		return domain.WithChain(domain.ErrBlockchainNotFound, chainID)
	}
	c.IsActive = active
	c.UpdatedAt = r.store.now()
	return nil
}
