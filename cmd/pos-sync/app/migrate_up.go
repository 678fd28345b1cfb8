package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stacklok/pos-sync/database"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply pending database migrations to bring the schema up to date.
The connection parameters are read from the configuration.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	target, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer target.close()

	if !yes && !confirm(fmt.Sprintf("About to apply migrations to %s. Continue?", target.name)) {
		slog.Info("Migration cancelled by user")
		return nil
	}

	if err := executeMigrateUp(target.migrator, numSteps); err != nil {
		return err
	}
	displayMigrationVersion(target.migrator)
	return nil
}

func executeMigrateUp(m database.Migrator, numSteps uint) error {
	if numSteps == 0 {
		slog.Info("Applying database migrations...")
		return database.Up(m)
	}

	if numSteps > math.MaxInt {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}
	slog.Info("Applying migrations", "steps", numSteps)
	if err := m.Steps(int(numSteps)); err != nil { // #nosec G115 -- overflow checked above
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
