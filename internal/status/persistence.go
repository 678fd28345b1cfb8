// Package status provides the sync status model and its file persistence.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

const (
	// StatusFileName is the name of a per-table status file
	StatusFileName = "status.json"

	// MetaFileName is the name of the cycle-level state file
	MetaFileName = "cycle.json"

	tablesDir = "tables"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of a table
	SaveStatus(ctx context.Context, table string, status *TableSyncStatus) error

	// LoadStatus loads the sync status of a table.
	// Returns a fresh status if the table has never been saved.
	LoadStatus(ctx context.Context, table string) (*TableSyncStatus, error)

	// LoadAllStatus loads the status of every saved table
	LoadAllStatus(ctx context.Context) (map[string]*TableSyncStatus, error)

	// SaveMeta saves the cycle-level state
	SaveMeta(ctx context.Context, meta *CycleMeta) error

	// LoadMeta loads the cycle-level state, empty on first run
	LoadMeta(ctx context.Context) (*CycleMeta, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// Table files live under basePath/tables/<table>/ and the cycle state in
// basePath/cycle.json.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

func (f *fileStatusPersistence) SaveStatus(_ context.Context, table string, status *TableSyncStatus) error {
	tableDir := filepath.Join(f.basePath, tablesDir, table)
	if err := os.MkdirAll(tableDir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory for table '%s': %w", table, err)
	}
	return writeJSONAtomically(filepath.Join(tableDir, StatusFileName), status)
}

func (f *fileStatusPersistence) LoadStatus(_ context.Context, table string) (*TableSyncStatus, error) {
	filePath := filepath.Join(f.basePath, tablesDir, table, StatusFileName)

	status := NewTableSyncStatus(table)
	found, err := readJSON(filePath, status)
	if err != nil {
		return nil, fmt.Errorf("failed to load status for table '%s': %w", table, err)
	}
	if !found {
		return NewTableSyncStatus(table), nil
	}
	status.Table = table
	return status, nil
}

func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*TableSyncStatus, error) {
	result := make(map[string]*TableSyncStatus)

	entries, err := os.ReadDir(filepath.Join(f.basePath, tablesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		table := entry.Name()
		status, err := f.LoadStatus(ctx, table)
		if err != nil {
			// Partial results are more useful than none
			slog.Warn("Skipping unreadable table status", "table", table, "error", err)
			continue
		}
		result[table] = status
	}

	return result, nil
}

func (f *fileStatusPersistence) SaveMeta(_ context.Context, meta *CycleMeta) error {
	if err := os.MkdirAll(f.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	return writeJSONAtomically(filepath.Join(f.basePath, MetaFileName), meta)
}

func (f *fileStatusPersistence) LoadMeta(_ context.Context) (*CycleMeta, error) {
	meta := &CycleMeta{}
	if _, err := readJSON(filepath.Join(f.basePath, MetaFileName), meta); err != nil {
		return nil, fmt.Errorf("failed to load cycle state: %w", err)
	}
	return meta, nil
}

// writeJSONAtomically writes v to a temporary file and renames it into place
func writeJSONAtomically(filePath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(filePath), err)
	}

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for %s: %w", filePath, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filePath, err)
	}
	return nil
}

// readJSON decodes filePath into v, reporting false if the file does not exist
func readJSON(filePath string, v any) (bool, error) {
	// #nosec G304 -- filePath is built from the configured data dir and registry table names
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
