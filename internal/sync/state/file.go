package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stacklok/pos-sync/internal/status"
)

type fileStateService struct {
	statusPersistence status.StatusPersistence

	mu     sync.RWMutex
	order  []string
	tables map[string]*status.TableSyncStatus
	meta   *status.CycleMeta
}

// NewFileStateService creates a new file-based sync state store
func NewFileStateService(statusPersistence status.StatusPersistence) Store {
	return &fileStateService{
		statusPersistence: statusPersistence,
		tables:            make(map[string]*status.TableSyncStatus),
		meta:              &status.CycleMeta{},
	}
}

func (f *fileStateService) Initialize(ctx context.Context, tables []string) error {
	meta, err := f.statusPersistence.LoadMeta(ctx)
	if err != nil {
		slog.Warn("Failed to load cycle state, starting fresh", "error", err)
		meta = &status.CycleMeta{}
	}

	loaded := make(map[string]*status.TableSyncStatus, len(tables))
	for _, table := range tables {
		loaded[table] = f.loadOrInitializeTableStatus(ctx, table)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append([]string(nil), tables...)
	f.tables = loaded
	f.meta = meta
	return nil
}

func (f *fileStateService) Status(_ context.Context) (*status.SyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tables := make([]*status.TableSyncStatus, 0, len(f.order))
	for _, name := range f.order {
		tables = append(tables, f.tables[name])
	}
	return status.NewSyncStatus(tables, f.meta), nil
}

func (f *fileStateService) TableStatus(_ context.Context, table string) (*status.TableSyncStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, exists := f.tables[table]
	if !exists {
		return nil, ErrTableNotFound
	}
	return s.Clone(), nil
}

func (f *fileStateService) UpdateTableAtomically(
	ctx context.Context,
	table string,
	fn func(s *status.TableSyncStatus) bool,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, exists := f.tables[table]
	if !exists {
		return false, ErrTableNotFound
	}

	// Mutate a copy so a failed save leaves the cache untouched
	updated := current.Clone()
	if !fn(updated) {
		return false, nil
	}
	if err := f.statusPersistence.SaveStatus(ctx, table, updated); err != nil {
		return false, err
	}
	f.tables[table] = updated
	return true, nil
}

func (f *fileStateService) UpdateMetaAtomically(ctx context.Context, fn func(m *status.CycleMeta) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	updated := f.meta.Clone()
	if !fn(updated) {
		return false, nil
	}
	if err := f.statusPersistence.SaveMeta(ctx, updated); err != nil {
		return false, err
	}
	f.meta = updated
	return true, nil
}

func (f *fileStateService) RecordCycleResult(ctx context.Context, result *status.CycleResult) error {
	return recordCycleResult(ctx, f, result)
}

func (f *fileStateService) Reset(ctx context.Context, table string) error {
	tables, err := f.resetTargets(table)
	if err != nil {
		return err
	}
	return resetTables(ctx, f, tables, table == "")
}

func (f *fileStateService) resetTargets(table string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if table == "" {
		return append([]string(nil), f.order...), nil
	}
	if _, exists := f.tables[table]; !exists {
		return nil, ErrTableNotFound
	}
	return []string{table}, nil
}

// loadOrInitializeTableStatus assumes only one process at a time uses the
// status directory.
func (f *fileStateService) loadOrInitializeTableStatus(ctx context.Context, table string) *status.TableSyncStatus {
	s, err := f.statusPersistence.LoadStatus(ctx, table)
	if err != nil {
		slog.Warn("Failed to load table status, initializing with defaults", "table", table, "error", err)
		s = status.NewTableSyncStatus(table)
	}

	wasInterrupted := s.Phase.InProgress()
	if normalizeLoaded(table, s) {
		if wasInterrupted {
			slog.Warn("Previous cycle was interrupted, resetting table to Idle", "table", table)
		}
		if err := f.statusPersistence.SaveStatus(ctx, table, s); err != nil {
			slog.Warn("Failed to persist corrected table status", "table", table, "error", err)
		}
	}

	if s.LastPullAt != nil {
		slog.Info("Loaded table sync status",
			"table", table,
			"phase", s.Phase,
			"pull_cursor", s.Pull.Cursor,
			"push_cursor", s.Push.Cursor,
			"last_pull_at", s.LastPullAt)
	} else {
		slog.Info("Table has not synced yet", "table", table, "phase", s.Phase)
	}
	return s
}
