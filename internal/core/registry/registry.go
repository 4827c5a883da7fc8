// Package registry resolves blockchain records with a short-lived cache in
// front of the blockchain repository.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 256
)

type cacheEntry struct {
	chain     domain.Blockchain
	expiresAt time.Time
}

// Registry is the read-through cache over storage.BlockchainRepository.
type Registry struct {
	repo storage.BlockchainRepository
	ttl  time.Duration
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	cache lru.BasicLRU[domain.ChainID, cacheEntry]
}

// New creates a registry. A non-positive ttl uses DefaultCacheTTL.
func New(repo storage.BlockchainRepository, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Registry{
		repo:  repo,
		ttl:   ttl,
		log:   slog.Default().With("component", "registry"),
		now:   time.Now,
		cache: lru.NewBasicLRU[domain.ChainID, cacheEntry](defaultCacheSize),
	}
}

// Resolve returns the blockchain for chainID or a not-found error.
func (r *Registry) Resolve(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error) {
	if chainID == 0 {
		return nil, domain.ValidationError("resolve blockchain", "chainId must be a positive number")
	}

	r.mu.Lock()
	if e, ok := r.cache.Get(chainID); ok {
		if r.now().Before(e.expiresAt) {
			r.mu.Unlock()
			cp := e.chain
			return &cp, nil
		}
		r.cache.Remove(chainID)
	}
	r.mu.Unlock()

	chain, err := r.repo.GetByChainID(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blockchain %d: %w", chainID, err)
	}
	if chain == nil {
		return nil, domain.WithChain(domain.ErrBlockchainNotFound, chainID)
	}

	r.mu.Lock()
	r.cache.Add(chainID, cacheEntry{chain: *chain, expiresAt: r.now().Add(r.ttl)})
	r.mu.Unlock()

	return chain, nil
}

// Invalidate drops a cached record.
func (r *Registry) Invalidate(chainID domain.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(chainID)
}

// List returns every registered chain, uncached.
func (r *Registry) List(ctx context.Context) ([]*domain.Blockchain, error) {
	return r.repo.List(ctx)
}

// SetScanEnabled toggles scanning. Enabling requires a contract address.
func (r *Registry) SetScanEnabled(ctx context.Context, chainID domain.ChainID, enabled bool) error {
	if enabled {
		chain, err := r.Resolve(ctx, chainID)
		if err != nil {
			return err
		}
		if chain.ContractAddress == "" {
			return domain.ValidationError(
				"set scan enabled",
				"blockchains with scanning enabled must have contractAddress",
			)
		}
	}

	defer r.Invalidate(chainID)
	if err := r.repo.SetScanEnabled(ctx, chainID, enabled); err != nil {
		return err
	}
	r.log.Info("scanning toggled", "chain", chainID, "enabled", enabled)
	return nil
}

// SetActive toggles the active flag.
func (r *Registry) SetActive(ctx context.Context, chainID domain.ChainID, active bool) error {
	defer r.Invalidate(chainID)
	if err := r.repo.SetActive(ctx, chainID, active); err != nil {
		return err
	}
	r.log.Info("active flag toggled", "chain", chainID, "active", active)
	return nil
}

// Seed upserts chains from configuration and clears their cache entries.
func (r *Registry) Seed(ctx context.Context, chains []*domain.Blockchain) error {
	if len(chains) == 0 {
		return nil
	}
	if err := r.repo.UpsertMany(ctx, chains); err != nil {
		return fmt.Errorf("failed to seed blockchains: %w", err)
	}
	for _, c := range chains {
		r.Invalidate(c.ChainID)
	}
	r.log.Info("registry seeded", "chains", len(chains))
	return nil
}
