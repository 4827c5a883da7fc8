package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/feewatcher/internal/core/config"
	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/core/registry"
	"github.com/vietddude/feewatcher/internal/indexing/health"
	"github.com/vietddude/feewatcher/internal/infra/chain"
	"github.com/vietddude/feewatcher/internal/infra/chain/evm"
)

// Watcher is the main application struct that manages the service lifecycle.
type Watcher struct {
	cfg      config.AppConfig
	stores   *Stores
	registry *registry.Registry
	manager  *Manager
	monitor  *health.Monitor
	server   *health.Server
	log      *slog.Logger
}

// NewWatcher opens storage, seeds the registry from configuration and wires
// the scanner manager and HTTP server.
func NewWatcher(ctx context.Context, cfg config.AppConfig) (*Watcher, error) {
	stores, err := OpenStores(ctx, cfg, true)
	if err != nil {
		return nil, err
	}

	w, err := newWatcher(ctx, cfg, stores, EVMDialer(cfg.Scanner.PollInterval))
	if err != nil {
		stores.Close()
		return nil, err
	}
	return w, nil
}

func newWatcher(ctx context.Context, cfg config.AppConfig, stores *Stores, dial chain.ClientFactory) (*Watcher, error) {
	reg := registry.New(stores.Chains, cfg.Registry.CacheTTL)

	seeds := make([]*domain.Blockchain, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		seeds = append(seeds, c.Blockchain())
	}
	if err := reg.Seed(ctx, seeds); err != nil {
		return nil, err
	}

	cursors := cursor.NewManager(stores.Cursors)
	manager := NewManager(ManagerConfig{
		GapChunkSize: cfg.Scanner.GapChunkSize,
		GapInterval:  cfg.Scanner.GapInterval,
		Lookback:     cfg.Scanner.Lookback,
		MaxScanRange: cfg.Scanner.MaxScanRange,
	}, reg, dial, cursors, stores.Cursors, stores.Events)

	monitor := health.NewMonitor(manager, cursors, stores.Cursors, health.DefaultRefreshInterval)
	server := health.NewServer(health.Deps{
		Monitor:  monitor,
		Scanners: manager,
		Events:   stores.Events,
		Chains:   reg,
	}, cfg.Server.Port)

	return &Watcher{
		cfg:      cfg,
		stores:   stores,
		registry: reg,
		manager:  manager,
		monitor:  monitor,
		server:   server,
		log:      slog.Default(),
	}, nil
}

// EVMDialer returns a factory dialing go-ethereum clients for registry records.
func EVMDialer(pollInterval time.Duration) chain.ClientFactory {
	return func(ctx context.Context, bc *domain.Blockchain) (chain.Client, error) {
		c, err := evm.Dial(ctx, evm.Config{
			ChainID:         bc.ChainID,
			URL:             bc.RPCURL,
			ContractAddress: bc.ContractAddress,
			PollInterval:    pollInterval,
		}, slog.Default())
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Manager returns the scanner manager.
func (w *Watcher) Manager() *Manager {
	return w.manager
}

// Start starts the HTTP server, background collectors and, with auto start
// enabled, every scan-enabled chain.
func (w *Watcher) Start(ctx context.Context) error {
	go func() {
		if err := w.server.Start(); err != nil {
			w.log.Error("HTTP server failed", "error", err)
		}
	}()

	w.monitor.Start(ctx)

	if w.stores.DB != nil {
		w.stores.DB.StartMetricsCollector(ctx)
	}

	if w.cfg.Scanner.AutoStart {
		if err := w.manager.StartAll(ctx); err != nil {
			return fmt.Errorf("failed to start scanners: %w", err)
		}
	}

	w.log.Info("Watcher started", "port", w.cfg.Server.Port, "chains", len(w.cfg.Chains))
	return nil
}

// Stop stops every scanner, then the HTTP server, then closes storage.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping Watcher...")

	if err := w.manager.StopAll(ctx); err != nil {
		w.log.Warn("Some scanners failed to stop cleanly", "error", err)
	}

	w.monitor.Stop()

	if err := w.server.Stop(ctx); err != nil {
		w.log.Warn("Failed to stop HTTP server", "error", err)
	}

	return w.stores.Close()
}
