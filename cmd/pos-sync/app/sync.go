package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stacklok/pos-sync/internal/app"
	"github.com/stacklok/pos-sync/internal/status"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Run one pull/push cycle over every registered table in this process.
The cycle shares the lock of a running server, so it is refused while the
server's own cycle is in progress. Exits non-zero when any table failed.`,
	RunE: runSync,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-pull every table from the master (slave only)",
	Long: `Perform a full resync: every table is paged from the master from the
beginning and resolved with the table's strategy, preferring the master on
ties. Watermarks are reset to the master's cursor and the divergence score
is cleared when every table succeeds.`,
	RunE: runRecover,
}

var resetCmd = &cobra.Command{
	Use:   "reset [table]",
	Short: "Clear the sync state of one table or of all tables",
	Long: `Clear watermarks, failure counters and errors. Without a table name every
table is reset together with the recovery state. The next cycle then
re-transfers every row; resolution keeps that idempotent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, recoverCmd} {
		cmd.Flags().String("format", "", "Output format (json)")
	}
}

// withComponents builds the sync components from the loaded configuration,
// runs fn and releases storage
func withComponents(ctx context.Context, fn func(*app.AppComponents) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	components, cleanup, err := app.BuildComponents(ctx, app.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(components)
}

func runSync(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	return withComponents(cmd.Context(), func(c *app.AppComponents) error {
		result, err := c.Engine.RunCycle(cmd.Context())
		if errors.Is(err, syncengine.ErrCycleRunning) {
			return fmt.Errorf("a sync cycle is already running")
		}
		if err != nil {
			return err
		}

		if format == "json" {
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			renderCycleResult(cmd.OutOrStdout(), result)
		}

		if !result.Success() {
			return fmt.Errorf("sync cycle finished with failures")
		}
		return nil
	})
}

func runRecover(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	return withComponents(cmd.Context(), func(c *app.AppComponents) error {
		if c.Recovery == nil {
			return fmt.Errorf("recovery is only available on a slave")
		}

		result := c.Recovery.Recover(cmd.Context())
		if format == "json" {
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			renderRecoveryResult(cmd.OutOrStdout(), result)
		}

		if !result.Success {
			return errors.New(result.Message())
		}
		return nil
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	table := ""
	if len(args) == 1 {
		table = args[0]
	}

	return withComponents(cmd.Context(), func(c *app.AppComponents) error {
		tables, err := c.Engine.Reset(cmd.Context(), table)
		if err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		for _, name := range tables {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", name); err != nil {
				return err
			}
		}
		return nil
	})
}

// renderCycleResult prints one line per table and phase
func renderCycleResult(w io.Writer, result *status.CycleResult) {
	if result.Running {
		_, _ = fmt.Fprintln(w, "A sync cycle is already running.")
		return
	}

	headers := []string{"TABLE", "PHASE", "RESULT", "ROWS", "APPLIED", "SKIPPED", "CURSOR", "ERROR"}
	var tableRows [][]string
	for _, phase := range []struct {
		name   string
		result status.PhaseResult
	}{{"pull", result.Pull}, {"push", result.Push}} {
		for _, name := range sortedTables(phase.result.PerTable) {
			tr := phase.result.PerTable[name]
			tableRows = append(tableRows, []string{
				name, phase.name, outcome(tr.Success),
				fmt.Sprint(tr.Rows), fmt.Sprint(tr.Applied), fmt.Sprint(tr.Skipped),
				fmt.Sprint(tr.Cursor), tr.Error,
			})
		}
	}

	if len(tableRows) == 0 {
		_, _ = fmt.Fprintln(w, "Nothing to synchronize.")
	} else {
		renderTable(w, headers, tableRows)
	}
	for _, name := range result.Skipped {
		_, _ = fmt.Fprintf(w, "skipped %s: cycle deadline elapsed\n", name)
	}
}

// renderRecoveryResult prints the recovered and failed tables
func renderRecoveryResult(w io.Writer, result *recovery.Result) {
	var tableRows [][]string
	for _, name := range result.Recovered {
		tableRows = append(tableRows, []string{name, outcome(true), ""})
	}
	for _, name := range sortedTables(result.Failed) {
		tableRows = append(tableRows, []string{name, outcome(false), result.Failed[name]})
	}
	if len(tableRows) > 0 {
		renderTable(w, []string{"TABLE", "RESULT", "ERROR"}, tableRows)
	}
	_, _ = fmt.Fprintln(w, result.Message())
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func sortedTables[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
