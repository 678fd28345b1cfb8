package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/pos-sync/database"
	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/sync/state"
)

// DatabaseFactory creates components backed by PostgreSQL. The sync state
// always lives in the database; the row store does when rowStore.type is
// postgres and stays in SQLite otherwise.
type DatabaseFactory struct {
	config      *config.Config
	pool        *pgxpool.Pool
	autoMigrate bool

	mu     sync.Mutex
	sqlite *rowstore.SQLiteStore
}

var _ Factory = (*DatabaseFactory)(nil)

// DatabaseFactoryOption is a functional option for configuring the DatabaseFactory
type DatabaseFactoryOption func(*DatabaseFactory)

// WithAutoMigrate applies pending PostgreSQL migrations when the factory is created
func WithAutoMigrate(enabled bool) DatabaseFactoryOption {
	return func(f *DatabaseFactory) {
		f.autoMigrate = enabled
	}
}

// NewDatabaseFactory creates a new database-backed storage factory.
// It establishes a connection pool to the configured PostgreSQL database.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, opts ...DatabaseFactoryOption) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required for database storage type")
	}

	slog.Info("Creating database-backed storage factory", "row_store", cfg.GetRowStoreType())

	factory := &DatabaseFactory{config: cfg}
	for _, opt := range opts {
		opt(factory)
	}

	connStr, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	if factory.autoMigrate {
		if err := migratePostgres(connStr); err != nil {
			return nil, err
		}
	}

	pool, err := buildDatabaseConnectionPool(ctx, cfg.Database, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	factory.pool = pool

	return factory, nil
}

// CreateRowStore returns the PostgreSQL row store, or the SQLite one when
// only the sync state is kept in the database.
func (d *DatabaseFactory) CreateRowStore(ctx context.Context) (rowstore.Store, error) {
	if d.config.GetRowStoreType() == config.RowStorePostgres {
		slog.Debug("Creating PostgreSQL row store")
		return rowstore.NewPostgres(d.pool), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sqlite == nil {
		store, err := rowstore.OpenSQLite(ctx, d.config.GetRowStorePath())
		if err != nil {
			return nil, err
		}
		d.sqlite = store
	}
	return d.sqlite, nil
}

// CreateStateService creates a database-backed state service for sync status tracking.
func (d *DatabaseFactory) CreateStateService(_ context.Context) (state.Store, error) {
	slog.Debug("Creating database-backed state service")
	return state.NewStateService(d.config, nil, d.pool)
}

// Cleanup releases resources held by the database factory.
// This closes the database connection pool and any open SQLite row store.
func (d *DatabaseFactory) Cleanup() {
	d.mu.Lock()
	if d.sqlite != nil {
		if err := d.sqlite.Close(); err != nil {
			slog.Warn("Failed to close SQLite row store", "error", err)
		}
		d.sqlite = nil
	}
	d.mu.Unlock()

	if d.pool != nil {
		slog.Info("Closing database connection pool")
		d.pool.Close()
	}
}

func migratePostgres(connStr string) error {
	m, err := database.NewPostgresMigrator(connStr)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	slog.Info("Applying database migrations")
	return database.Up(m)
}

// buildDatabaseConnectionPool creates a database connection pool with proper configuration.
func buildDatabaseConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	slog.Info("Database connection pool created successfully")
	return pool, nil
}
