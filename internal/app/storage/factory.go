// Package storage provides factory functions for creating storage-dependent components.
// It implements the Abstract Factory pattern to ensure related components (row store,
// sync state store) are created with compatible storage backends.
package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/sync/state"
)

//go:generate mockgen -destination=mocks/mock_factory.go -package=mocks -source=factory.go Factory

// Factory creates storage-dependent components as a family.
//
// The factory encapsulates the creation of:
// - rowstore.Store: the local business rows that are synchronized
// - state.Store: watermarks, failure counters and recovery state
//
// It also manages the lifecycle of storage resources (database handles).
type Factory interface {
	// CreateRowStore returns the local row store, migrated to the latest schema
	// when the backend is SQLite.
	CreateRowStore(ctx context.Context) (rowstore.Store, error)

	// CreateStateService returns the sync state store.
	CreateStateService(ctx context.Context) (state.Store, error)

	// Cleanup releases any resources held by this factory.
	// Should be called when the application shuts down.
	Cleanup()
}

// NewStorageFactory creates a storage factory based on the configured storage type.
// Returns a FileFactory for file-based state or a DatabaseFactory for PostgreSQL state.
func NewStorageFactory(ctx context.Context, cfg *config.Config, opts ...DatabaseFactoryOption) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypeDatabase:
		return NewDatabaseFactory(ctx, cfg, opts...)
	case config.StorageTypeFile:
		return NewFileFactory(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}
