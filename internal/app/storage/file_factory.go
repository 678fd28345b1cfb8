package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/sync/state"
)

// FileFactory creates components that keep everything under the data
// directory: JSON sync state files and an SQLite row store.
type FileFactory struct {
	config            *config.Config
	statusPersistence status.StatusPersistence

	mu     sync.Mutex
	sqlite *rowstore.SQLiteStore
}

var _ Factory = (*FileFactory)(nil)

// NewFileFactory creates a new file-based storage factory,
// ensuring the data directory exists.
func NewFileFactory(cfg *config.Config) (*FileFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.GetRowStoreType() == config.RowStorePostgres {
		return nil, fmt.Errorf("postgres row store requires database configuration")
	}

	baseDir := cfg.GetDataDir()
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", baseDir, err)
	}

	slog.Info("Creating file-based storage factory",
		"data_dir", baseDir,
		"row_store", cfg.GetRowStorePath())

	return &FileFactory{
		config:            cfg,
		statusPersistence: status.NewFileStatusPersistence(cfg.GetStatusDir()),
	}, nil
}

// CreateRowStore opens the SQLite row store. The store is opened once and
// shared by every caller.
func (f *FileFactory) CreateRowStore(ctx context.Context) (rowstore.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sqlite == nil {
		store, err := rowstore.OpenSQLite(ctx, f.config.GetRowStorePath())
		if err != nil {
			return nil, err
		}
		f.sqlite = store
	}
	return f.sqlite, nil
}

// CreateStateService creates a file-based state service.
func (f *FileFactory) CreateStateService(_ context.Context) (state.Store, error) {
	slog.Debug("Creating file-based state service")
	return state.NewStateService(f.config, f.statusPersistence, nil)
}

// Cleanup closes the SQLite row store if it was opened.
func (f *FileFactory) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sqlite != nil {
		if err := f.sqlite.Close(); err != nil {
			slog.Warn("Failed to close SQLite row store", "error", err)
		}
		f.sqlite = nil
	}
}
