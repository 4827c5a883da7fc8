package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/scanner"
	"github.com/vietddude/feewatcher/internal/infra/chain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// DefaultMaxScanRange caps a single manual range scan.
const DefaultMaxScanRange = 10000

// ChainResolver looks up registry records.
type ChainResolver interface {
	Resolve(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error)
	List(ctx context.Context) ([]*domain.Blockchain, error)
}

// ManagerConfig configures the scanners a Manager builds.
type ManagerConfig struct {
	GapChunkSize uint64
	GapInterval  time.Duration
	Lookback     uint64
	MaxScanRange uint64
}

// Manager owns the running scanners, one per chain.
type Manager struct {
	cfg     ManagerConfig
	chains  ChainResolver
	dial    chain.ClientFactory
	cursors cursor.Manager
	gaps    storage.GapStore
	events  storage.EventRepository
	log     *slog.Logger

	// mu guards scanners; a nil entry reserves a chain while it starts
	mu       sync.Mutex
	scanners map[domain.ChainID]*scanner.Scanner
}

// NewManager creates a Manager with no running scanners.
func NewManager(
	cfg ManagerConfig,
	chains ChainResolver,
	dial chain.ClientFactory,
	cursors cursor.Manager,
	gaps storage.GapStore,
	events storage.EventRepository,
) *Manager {
	if cfg.MaxScanRange == 0 {
		cfg.MaxScanRange = DefaultMaxScanRange
	}
	return &Manager{
		cfg:      cfg,
		chains:   chains,
		dial:     dial,
		cursors:  cursors,
		gaps:     gaps,
		events:   events,
		log:      slog.Default().With("component", "scanner-manager"),
		scanners: make(map[domain.ChainID]*scanner.Scanner),
	}
}

func (m *Manager) newScanner(client chain.Client, bc *domain.Blockchain) *scanner.Scanner {
	return scanner.New(scanner.Config{
		ChainID:         bc.ChainID,
		ContractAddress: bc.ContractAddress,
		GapChunkSize:    m.cfg.GapChunkSize,
		GapInterval:     m.cfg.GapInterval,
		Lookback:        m.cfg.Lookback,
	}, client, m.cursors, m.gaps, m.events)
}

// StartScanner dials the chain and starts its live listener.
func (m *Manager) StartScanner(ctx context.Context, chainID domain.ChainID) error {
	bc, err := m.chains.Resolve(ctx, chainID)
	if err != nil {
		return err
	}
	if !bc.IsActive {
		return domain.WithChain(domain.ErrBlockchainDisabled, chainID)
	}
	if !bc.ScanEnabled {
		return domain.WithChain(domain.ErrScanningDisabled, chainID)
	}

	m.mu.Lock()
	if _, exists := m.scanners[chainID]; exists {
		m.mu.Unlock()
		return domain.WithChain(domain.ErrScannerAlreadyRunning, chainID)
	}
	m.scanners[chainID] = nil
	m.mu.Unlock()

	s, err := m.start(ctx, bc)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.scanners, chainID)
		return err
	}
	m.scanners[chainID] = s
	return nil
}

func (m *Manager) start(ctx context.Context, bc *domain.Blockchain) (*scanner.Scanner, error) {
	op := fmt.Sprintf("start scanner %d", bc.ChainID)

	client, err := m.dial(ctx, bc)
	if err != nil {
		if domain.KindOf(err) == domain.KindValidation {
			return nil, err
		}
		return nil, domain.UpstreamError(op, "failed to connect to blockchain", err)
	}

	s := m.newScanner(client, bc)
	if err := s.StartRealTimeListener(ctx); err != nil {
		client.Close()
		return nil, domain.UpstreamError(op, "failed to connect to blockchain", err)
	}

	m.log.Info("scanner started", "chain", bc.ChainID, "name", bc.Name)
	return s, nil
}

// StopScanner stops and releases the scanner of a chain.
func (m *Manager) StopScanner(ctx context.Context, chainID domain.ChainID) error {
	if chainID == 0 {
		return domain.ValidationError("stop scanner", "chainId must be a positive number")
	}

	m.mu.Lock()
	s := m.scanners[chainID]
	if s == nil {
		m.mu.Unlock()
		return domain.WithChain(domain.ErrScannerNotFound, chainID)
	}
	delete(m.scanners, chainID)
	m.mu.Unlock()

	if err := s.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to stop scanner %d: %w", chainID, err)
	}
	m.log.Info("scanner stopped", "chain", chainID)
	return nil
}

// ScanRange indexes [from, to] on a one-shot scanner, whether or not the
// chain's live scanner runs.
func (m *Manager) ScanRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (scanner.ScanResult, error) {
	if from > to {
		return scanner.ScanResult{}, domain.ValidationError("scan range", "fromBlock must not exceed toBlock")
	}
	if to-from > m.cfg.MaxScanRange {
		return scanner.ScanResult{}, domain.ValidationError(
			"scan range",
			fmt.Sprintf("block range too large, maximum %d blocks per request", m.cfg.MaxScanRange),
		)
	}

	bc, err := m.chains.Resolve(ctx, chainID)
	if err != nil {
		return scanner.ScanResult{}, err
	}

	client, err := m.dial(ctx, bc)
	if err != nil {
		return scanner.ScanResult{}, domain.ClassifyScanError(chainID, err)
	}

	s := m.newScanner(client, bc)
	defer s.Cleanup(context.WithoutCancel(ctx))

	m.log.Info("manual scan started", "chain", chainID, "from", from, "to", to)
	res, err := s.ScanBlockRange(ctx, from, to)
	if err != nil {
		return res, domain.ClassifyScanError(chainID, err)
	}
	m.log.Info("manual scan completed",
		"chain", chainID,
		"from", from,
		"to", to,
		"found", res.Found,
		"inserted", res.Inserted,
	)
	return res, nil
}

// ScannerStatus returns the status of one chain. A chain without a running
// scanner still reports its stored cursor and gaps.
func (m *Manager) ScannerStatus(ctx context.Context, chainID domain.ChainID) (scanner.Status, error) {
	m.mu.Lock()
	s := m.scanners[chainID]
	m.mu.Unlock()

	if s != nil {
		return s.Status(ctx)
	}

	bc, err := m.chains.Resolve(ctx, chainID)
	if err != nil {
		return scanner.Status{}, err
	}
	return m.newScanner(nil, bc).Status(ctx)
}

// Status returns the status of every running scanner, ordered by chain id.
func (m *Manager) Status(ctx context.Context) ([]scanner.Status, error) {
	running := m.running()

	out := make([]scanner.Status, 0, len(running))
	for _, s := range running {
		st, err := s.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", s.ChainID(), err)
		}
		out = append(out, st)
	}
	return out, nil
}

// RunningChains returns the chains with a running scanner.
func (m *Manager) RunningChains() []domain.ChainID {
	running := m.running()
	ids := make([]domain.ChainID, len(running))
	for i, s := range running {
		ids[i] = s.ChainID()
	}
	return ids
}

// Head returns the chain head seen by a running scanner.
func (m *Manager) Head(ctx context.Context, chainID domain.ChainID) (uint64, error) {
	m.mu.Lock()
	s := m.scanners[chainID]
	m.mu.Unlock()

	if s == nil {
		return 0, domain.WithChain(domain.ErrScannerNotFound, chainID)
	}
	return s.Head(ctx)
}

func (m *Manager) running() []*scanner.Scanner {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*scanner.Scanner, 0, len(m.scanners))
	for _, s := range m.scanners {
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID() < out[j].ChainID() })
	return out
}

// RequeueFailedGaps moves the chain's failed gaps back to pending.
func (m *Manager) RequeueFailedGaps(ctx context.Context, chainID domain.ChainID) (int, error) {
	if chainID == 0 {
		return 0, domain.ValidationError("requeue gaps", "chainId must be a positive number")
	}

	m.mu.Lock()
	s := m.scanners[chainID]
	m.mu.Unlock()

	var (
		n   int
		err error
	)
	if s != nil {
		n, err = s.RequeueFailedGaps(ctx)
	} else {
		n, err = m.gaps.RequeueFailedGaps(ctx, chainID)
	}
	if err != nil {
		return 0, err
	}
	m.log.Info("failed gaps requeued", "chain", chainID, "count", n)
	return n, nil
}

// StartAll starts every active chain with scanning enabled. Failures are
// logged per chain and do not stop the others.
func (m *Manager) StartAll(ctx context.Context) error {
	chains, err := m.chains.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list blockchains: %w", err)
	}

	var g errgroup.Group
	for _, bc := range chains {
		if !bc.IsActive || !bc.ScanEnabled {
			continue
		}
		g.Go(func() error {
			if err := m.StartScanner(ctx, bc.ChainID); err != nil {
				m.log.Error("failed to start scanner", "chain", bc.ChainID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every running scanner concurrently and waits for them.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	running := make([]*scanner.Scanner, 0, len(m.scanners))
	for _, s := range m.scanners {
		if s != nil {
			running = append(running, s)
		}
	}
	m.scanners = make(map[domain.ChainID]*scanner.Scanner)
	m.mu.Unlock()

	m.log.Info("stopping all scanners", "count", len(running))

	var g errgroup.Group
	for _, s := range running {
		g.Go(func() error {
			if err := s.Cleanup(ctx); err != nil {
				m.log.Error("failed to stop scanner", "chain", s.ChainID(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
