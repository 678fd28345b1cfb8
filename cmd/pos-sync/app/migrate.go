package app

import (
	"bufio"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stacklok/pos-sync/database"
	"github.com/stacklok/pos-sync/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long: `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.
The SQLite row store is migrated automatically when opened; PostgreSQL is
migrated here or by "serve --auto-migrate".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	migrateCmd.PersistentFlags().String("dialect", "",
		"Database to migrate: postgres or sqlite (default postgres when a database is configured)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// migrationTarget is an open migrator and a description for prompts
type migrationTarget struct {
	migrator *migrate.Migrate
	name     string
}

func (t *migrationTarget) close() {
	if srcErr, dbErr := t.migrator.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
	}
}

// setupMigration loads the configuration and opens a migrator for the
// selected dialect
func setupMigration(cmd *cobra.Command) (*migrationTarget, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dialect, err := cmd.Flags().GetString("dialect")
	if err != nil {
		return nil, fmt.Errorf("failed to get dialect flag: %w", err)
	}
	if dialect == "" {
		dialect = string(database.DialectSQLite)
		if cfg.Database != nil {
			dialect = string(database.DialectPostgres)
		}
	}

	switch database.Dialect(dialect) {
	case database.DialectPostgres:
		return postgresTarget(cfg)
	case database.DialectSQLite:
		return sqliteTarget(cfg)
	default:
		return nil, fmt.Errorf("unknown dialect %q: must be postgres or sqlite", dialect)
	}
}

func postgresTarget(cfg *config.Config) (*migrationTarget, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}
	m, err := database.NewPostgresMigrator(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return &migrationTarget{
		migrator: m,
		name: fmt.Sprintf("postgres %s@%s:%d/%s",
			cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database),
	}, nil
}

func sqliteTarget(cfg *config.Config) (*migrationTarget, error) {
	path := cfg.GetRowStorePath()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	m, err := database.NewSQLiteMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return &migrationTarget{migrator: m, name: "sqlite " + path}, nil
}

// confirm asks a yes/no question on stdin
func confirm(prompt string) bool {
	fmt.Printf("%s (yes/no): ", prompt)
	response, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}

// displayMigrationVersion logs the schema version after a migration
func displayMigrationVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			slog.Info("Database schema is empty")
			return
		}
		slog.Warn("Failed to get migration version", "error", err)
		return
	}

	if dirty {
		slog.Warn("Database is in a dirty state, manual intervention may be required", "version", version)
	} else {
		slog.Info("Current migration version", "version", version)
	}
}
