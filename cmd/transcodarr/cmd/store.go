package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/transcodarr/internal/config"
	"github.com/jmylchreest/transcodarr/internal/database"
	"github.com/jmylchreest/transcodarr/internal/repository"
)

// openedStore is a job store together with its backend name and closer.
type openedStore struct {
	repository.JobStore
	name  string
	close func() error
}

// openStore connects the configured job store backend. The database backend
// is migrated before use.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*openedStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		store, err := repository.NewRedisJobStore(ctx, cfg.Store.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("opening redis job store: %w", err)
		}
		logger.Info("job store ready", slog.String("backend", "redis"), slog.String("addr", cfg.Store.Redis.Addr))
		return &openedStore{JobStore: store, name: "redis", close: store.Close}, nil

	default:
		db, err := database.New(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("job store ready", slog.String("backend", db.Driver()))
		return &openedStore{JobStore: repository.NewJobRepository(db.DB), name: db.Driver(), close: db.Close}, nil
	}
}

// Close releases the backend connection.
func (s *openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
