package core

import (
	"fmt"
	"medtrace/internal/infra/persistence/badger"
	"medtrace/internal/infra/persistence/memory"
	"medtrace/internal/infra/persistence/postgres"
	"medtrace/internal/infra/persistence/sqlite"
	"medtrace/pkg/domain"

	"go.uber.org/zap"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBadger   StorageDriver = "badger"   // embedded badger directory
)

// Valid reports whether d names a supported driver.
func (d StorageDriver) Valid() bool {
	switch d {
	case StorageMemory, StorageSQLite, StoragePostgres, StorageBadger:
		return true
	}
	return false
}

// StorageOptions selects and locates the persistent backend. An empty
// Driver defaults to sqlite.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	BadgerDir   string
}

// OpenPersistentStore opens the backend named by opts. A nil engine uses
// NewDefaultRulesEngine.
func OpenPersistentStore(opts StorageOptions, engine *domain.RulesEngine, logger *zap.Logger) (domain.PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	var (
		store domain.PersistentStore
		err   error
	)
	switch driver {
	case StorageMemory:
		store = memory.NewStore(engine)
	case StorageSQLite:
		store, err = sqlite.NewStore(opts.SQLitePath, engine)
	case StoragePostgres:
		store, err = postgres.NewStore(opts.PostgresDSN, engine)
	case StorageBadger:
		store, err = badger.NewStore(opts.BadgerDir, engine, logger.Named("badger"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	logger.Info("storage opened", zap.String("driver", string(driver)))
	return store, nil
}
