package app

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/pos-sync/internal/app"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table sync status",
	Long: `Show watermarks, phase, health and the last error of every table, followed
by the cycle and recovery summary. With --remote the status is fetched from a
running instance instead of read from local storage.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("format", "", "Output format (json)")
	statusCmd.Flags().String("remote", "", "Base URL of an instance to query instead of local storage")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	remote, err := cmd.Flags().GetString("remote")
	if err != nil {
		return fmt.Errorf("failed to get remote flag: %w", err)
	}

	show := func(s *status.SyncStatus) error {
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), s)
		}
		renderStatus(cmd.OutOrStdout(), s, time.Now())
		return nil
	}

	if remote != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := transport.New(remote, cfg.Role, transport.WithTimeout(cfg.GetTimeout()))
		if err != nil {
			return err
		}
		s, err := client.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch status from %s: %w", remote, err)
		}
		return show(s)
	}

	return withComponents(cmd.Context(), func(c *app.AppComponents) error {
		s, err := c.StateStore.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read sync status: %w", err)
		}
		return show(s)
	})
}

// renderStatus prints the table status followed by a cycle summary
func renderStatus(w io.Writer, s *status.SyncStatus, now time.Time) {
	headers := []string{"TABLE", "PHASE", "PULL", "PUSH", "LAST SUCCESS", "FAILURES", "HEALTHY", "LAST ERROR"}
	tableRows := make([][]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		tableRows = append(tableRows, []string{
			t.Table,
			string(t.Phase),
			fmt.Sprint(t.Pull.Cursor),
			fmt.Sprint(t.Push.Cursor),
			ago(t.LastSuccessAt(), now),
			fmt.Sprint(t.ConsecutiveFailures),
			yesNo(t.Healthy),
			t.LastError,
		})
	}
	renderTable(w, headers, tableRows)

	_, _ = fmt.Fprintf(w, "\nCycles: %d  Last cycle: %s  Healthy: %s\n",
		s.Cycles, ago(s.LastCycleAt, now), yesNo(s.OverallHealthy))
	_, _ = fmt.Fprintf(w, "Divergence: %d  Corrupted: %s  Last recovery: %s\n",
		s.Recovery.DivergenceScore, yesNo(s.Recovery.Corrupted), ago(s.Recovery.LastRecoveryAt, now))
	if s.Recovery.LastError != "" {
		_, _ = fmt.Fprintf(w, "Recovery error: %s\n", s.Recovery.LastError)
	}
}

// renderTable writes a borderless, left-aligned table
func renderTable(w io.Writer, headers []string, tableRows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)

	table.AppendBulk(tableRows)
	table.Render()
}

func ago(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return now.Sub(*t).Truncate(time.Second).String() + " ago"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
