// Package database provides schema migration tooling for the SQLite and
// PostgreSQL backends.
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Dialect selects a migration set
type Dialect string

const (
	// DialectSQLite is the embedded local row store
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres is the shared PostgreSQL backend
	DialectPostgres Dialect = "postgres"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrationsFromSource returns a migration source driver for the dialect
func migrationsFromSource(dialect Dialect) (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations/"+string(dialect))
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
}

// NewPostgresMigrator returns a migration instance for the given PostgreSQL
// connection string. The caller owns the returned migrator's connection.
func NewPostgresMigrator(connString string) (*migrate.Migrate, error) {
	d, err := migrationsFromSource(DialectPostgres)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres migrations: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", d, pgxMigrateURL(connString))
}

// NewSQLiteMigrator returns a migration instance bound to an open SQLite
// database. Closing the migrator closes db.
func NewSQLiteMigrator(db *sql.DB) (*migrate.Migrate, error) {
	d, err := migrationsFromSource(DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", d, "sqlite", driver)
}

// MigrateSQLite brings an open SQLite database up to the latest schema.
// The migrator is not closed so db stays usable.
func MigrateSQLite(db *sql.DB) error {
	m, err := NewSQLiteMigrator(db)
	if err != nil {
		return err
	}
	return Up(m)
}

// Up applies every pending migration, treating "no change" as success
func Up(m Migrator) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// pgxMigrateURL rewrites a postgres:// URL to the scheme the pgx/v5 driver registers
func pgxMigrateURL(connString string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(connString, prefix) {
			return "pgx5://" + strings.TrimPrefix(connString, prefix)
		}
	}
	return connString
}
