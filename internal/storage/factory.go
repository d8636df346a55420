// Package storage selects the job store backend.
package storage

import (
	"fmt"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/storage/badger"
	"github.com/bobmcallan/nimbus/internal/storage/sqlite"
	"github.com/bobmcallan/nimbus/internal/storage/surrealdb"
)

// NewJobStore creates the configured JobStore backend.
// Supported backends: "sqlite" (default), "badger", "surrealdb".
func NewJobStore(config *common.Config, logger *common.Logger) (interfaces.JobStore, error) {
	backend := config.Storage.Backend
	if backend == "" {
		backend = common.BackendSQLite
	}

	switch backend {
	case common.BackendSQLite:
		return sqlite.NewStore(config.Storage.Path, logger)

	case common.BackendBadger:
		return badger.NewStore(config.Storage.Path, logger)

	case common.BackendSurreal:
		return surrealdb.NewStore(&config.Storage.Surreal, logger)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, badger, surrealdb)", backend)
	}
}
