package core

import (
	"context"
	"fmt"

	"studycore/internal/config"
	"studycore/internal/infra/persistence/memory"
	"studycore/internal/infra/persistence/postgres"
	"studycore/internal/infra/persistence/sqlite"
	"studycore/pkg/domain"
)

// OpenPersistentStore selects a backend from the storage configuration.
func OpenPersistentStore(ctx context.Context, cfg config.Storage, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewStore(engine), nil
	case config.StorageSQLite, "":
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
