// Package app provides the command line interface of pos-sync.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/pos-sync/internal/config"
	"github.com/stacklok/pos-sync/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "pos-sync",
	DisableAutoGenTag: true,
	Short:             "POS master/slave table synchronization",
	Long: `pos-sync keeps the tables of a store's point-of-sale database in step with a
central master. Run "serve" on both sides; a slave pulls master changes and
pushes its own on a schedule, resolving conflicts per table.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().String("env", "", "Environment selecting .env.<env> files")
	rootCmd.PersistentFlags().String("role", "", "Instance role (master or slave)")
	rootCmd.PersistentFlags().String("master-url", "", "Base URL of the master (slave only)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the lock, state files and SQLite row store")

	bindings := map[string]string{
		"config":           "config",
		config.KeyEnv:       "env",
		config.KeyRole:      "role",
		config.KeyMasterURL: "master-url",
		config.KeyDataDir:   "data-dir",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			slog.Error("Error binding flag", "flag", flag, "error", err)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// loadConfig builds the configuration from the config file, .env files,
// the environment and the flags bound above, in increasing precedence.
func loadConfig() (*config.Config, error) {
	opts := []config.Option{config.WithViper(viper.GetViper())}
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	if env := viper.GetString(config.KeyEnv); env != "" {
		opts = append(opts, config.WithEnvironment(env))
	}

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Debug("Configuration loaded", "config", cfg.String())
	return cfg, nil
}

// writeJSON prints v indented, for commands run with --format json
func writeJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output as JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), info)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "pos-sync %s (commit %s, built %s, %s, %s, protocol %s)\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform, info.Protocol)
		return err
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
