package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/transport"
	"github.com/stacklok/pos-sync/internal/wire"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move change batches out of band",
	Long: `Move change batches between instances without a running sync cycle, for
example over a link that is only up for a moment. A downloaded batch is
written as JSON; uploading the same file twice applies it once.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var transferDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a batch of changes from a peer into a file",
	RunE:  runTransferDownload,
}

var transferUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a batch file to a peer",
	RunE:  runTransferUpload,
}

var transferAckCmd = &cobra.Command{
	Use:   "ack <batch-id>",
	Short: "Acknowledge a downloaded batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransferAck,
}

func init() {
	transferCmd.PersistentFlags().String("peer", "", "Base URL of the peer (defaults to masterUrl)")

	transferDownloadCmd.Flags().String("table", "", "Table to download (required)")
	transferDownloadCmd.Flags().Int64("cursor", 0, "Download changes after this cursor")
	transferDownloadCmd.Flags().Int("limit", 0, "Maximum rows in the batch (0 = server default)")
	transferDownloadCmd.Flags().StringP("output", "o", "", "File to write the batch to (default stdout)")
	if err := transferDownloadCmd.MarkFlagRequired("table"); err != nil {
		panic(err)
	}

	transferUploadCmd.Flags().StringP("input", "i", "", "Batch file to upload (required)")
	if err := transferUploadCmd.MarkFlagRequired("input"); err != nil {
		panic(err)
	}

	transferCmd.AddCommand(transferDownloadCmd)
	transferCmd.AddCommand(transferUploadCmd)
	transferCmd.AddCommand(transferAckCmd)
}

// peerClient builds a client for --peer or the configured master
func peerClient(cmd *cobra.Command) (*transport.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	target, err := cmd.Flags().GetString("peer")
	if err != nil {
		return nil, fmt.Errorf("failed to get peer flag: %w", err)
	}
	if target == "" {
		target = cfg.MasterURL
	}
	if target == "" {
		return nil, fmt.Errorf("no peer: pass --peer or configure %s_MASTER_URL", config.EnvPrefix)
	}
	return transport.New(target, cfg.Role,
		transport.WithTimeout(cfg.GetTimeout()),
		transport.WithRetryAttempts(cfg.RetryAttempts),
	)
}

func runTransferDownload(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	table, _ := flags.GetString("table")
	cursor, _ := flags.GetInt64("cursor")
	limit, _ := flags.GetInt("limit")
	output, _ := flags.GetString("output")

	client, err := peerClient(cmd)
	if err != nil {
		return err
	}

	batch, err := client.Download(cmd.Context(), table, cursor, limit)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	upload := &wire.UploadRequest{BatchID: batch.BatchID, Table: batch.Table, Changes: batch.Changes}
	if output == "" {
		if err := writeJSON(cmd.OutOrStdout(), upload); err != nil {
			return err
		}
	} else if err := writeBatchFile(output, upload); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.ErrOrStderr(), "batch %s: %d change(s) of %s, next cursor %d, more: %t\n",
		batch.BatchID, len(batch.Changes), batch.Table, batch.Cursor, batch.HasMore)
	return err
}

func runTransferUpload(cmd *cobra.Command, _ []string) error {
	input, _ := cmd.Flags().GetString("input")

	req, err := readBatchFile(input)
	if err != nil {
		return err
	}

	client, err := peerClient(cmd)
	if err != nil {
		return err
	}

	resp, err := client.Upload(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	if resp.Duplicate {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "batch %s was already applied\n", resp.BatchID)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "batch %s: applied %d, skipped %d, cursor %d\n",
		resp.BatchID, resp.Applied, resp.Skipped, resp.Cursor)
	return err
}

func runTransferAck(cmd *cobra.Command, args []string) error {
	client, err := peerClient(cmd)
	if err != nil {
		return err
	}

	resp, err := client.Acknowledge(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("acknowledge failed: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "batch %s of %s acknowledged at %s\n",
		resp.BatchID, resp.Table, resp.AcknowledgedAt.Format(time.RFC3339))
	return err
}

// readBatchFile loads an upload batch and validates its id
func readBatchFile(path string) (*wire.UploadRequest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied flag
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var req wire.UploadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if _, err := uuid.Parse(req.BatchID); err != nil {
		return nil, fmt.Errorf("batch file has an invalid batch id %q", req.BatchID)
	}
	if req.Table == "" {
		return nil, fmt.Errorf("batch file has no table")
	}
	return &req, nil
}

func writeBatchFile(path string, req *wire.UploadRequest) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to create batch file: %w", err)
	}
	if err := writeJSON(f, req); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
