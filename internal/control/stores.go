package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/feewatcher/internal/core/config"
	redisclient "github.com/vietddude/feewatcher/internal/infra/redis"
	"github.com/vietddude/feewatcher/internal/infra/storage"
	"github.com/vietddude/feewatcher/internal/infra/storage/memory"
	"github.com/vietddude/feewatcher/internal/infra/storage/postgres"
)

// Stores bundles the storage backends selected by configuration. Without a
// Redis URL the cursor store is in memory; without a database URL so are the
// event and blockchain repositories.
type Stores struct {
	Cursors storage.CursorStore
	Events  storage.EventRepository
	Chains  storage.BlockchainRepository

	DB    *postgres.DB
	Redis *redisclient.Client
}

// OpenStores connects the configured backends. The database is migrated
// when migrate is set.
func OpenStores(ctx context.Context, cfg config.AppConfig, migrate bool) (*Stores, error) {
	s := &Stores{}
	mem := memory.NewMemoryStorage()

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.Redis = client
		s.Cursors = redisclient.NewCursorStore(client)
		slog.Info("Using Redis cursor store")
	} else {
		s.Cursors = memory.NewCursorRepo(mem)
		slog.Warn("Redis not configured, cursor and gaps are kept in memory")
	}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		s.DB = db

		if migrate {
			if err := db.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to migrate db: %w", err)
			}
		}

		s.Events = postgres.NewEventRepo(db)
		s.Chains = postgres.NewBlockchainRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		s.Events = memory.NewEventRepo(mem)
		s.Chains = memory.NewBlockchainRepo(mem)
		slog.Warn("Database not configured, events are kept in memory")
	}

	return s, nil
}

// Close releases every open connection.
func (s *Stores) Close() error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
