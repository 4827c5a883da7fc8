package control

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/feewatcher/internal/core/config"
)

func memoryConfig(autoStart bool) config.AppConfig {
	return config.AppConfig{
		Server:   config.ServerConfig{Port: 0},
		Scanner:  config.ScannerConfig{GapInterval: time.Hour, AutoStart: autoStart},
		Registry: config.RegistryConfig{CacheTTL: time.Minute},
		Chains: []config.ChainConfig{
			{ChainID: 137, RPCURL: "http://localhost:8545", ContractAddress: feeCollector, ScanEnabled: true},
			{ChainID: 10, RPCURL: "http://localhost:8546"},
		},
	}
}

func TestWatcher_SeedsRegistry(t *testing.T) {
	ctx := context.Background()
	stores, err := OpenStores(ctx, memoryConfig(false), false)
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}

	w, err := newWatcher(ctx, memoryConfig(false), stores, (&dialer{}).dial)
	if err != nil {
		t.Fatalf("newWatcher failed: %v", err)
	}

	chains, err := w.registry.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("expected 2 seeded chains, got %d", len(chains))
	}

	polygon, err := w.registry.Resolve(ctx, 137)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if polygon.BlockchainID != "polygon" || !polygon.IsActive || !polygon.ScanEnabled {
		t.Errorf("unexpected seed %+v", polygon)
	}
}

func TestWatcher_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(true)
	stores, err := OpenStores(ctx, cfg, false)
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}

	d := &dialer{}
	w, err := newWatcher(ctx, cfg, stores, d.dial)
	if err != nil {
		t.Fatalf("newWatcher failed: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// only chain 137 has scanning enabled
	running := w.Manager().RunningChains()
	if len(running) != 1 || running[0] != 137 {
		t.Fatalf("expected chain 137 running, got %v", running)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(w.Manager().RunningChains()) != 0 {
		t.Error("expected all scanners stopped")
	}
	if !d.last().isClosed() {
		t.Error("expected chain client closed")
	}
}
