package state

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/status"
)

// NewStateService creates a Store based on the configured storage type.
//
// For file-based storage, it returns a store that persists through the
// provided StatusPersistence.
//
// For database storage, it returns a store that keeps the state in
// PostgreSQL. The pool parameter must not be nil when database storage is
// configured.
func NewStateService(
	cfg *config.Config,
	statusPersistence status.StatusPersistence,
	pool *pgxpool.Pool,
) (Store, error) {
	switch cfg.GetStorageType() {
	case config.StorageTypeDatabase:
		if pool == nil {
			return nil, fmt.Errorf("database pool is required when storage type is database")
		}
		return NewDBStateService(pool), nil
	case config.StorageTypeFile:
		return NewFileStateService(statusPersistence), nil
	default:
		return NewFileStateService(statusPersistence), nil
	}
}
