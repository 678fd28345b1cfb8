// Package state contains the durable sync state store: per-table watermarks,
// failure counters and the cycle-level recovery state.
package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/pos-sync/internal/status"
)

// ErrTableNotFound is returned when a table is not registered with the store
var ErrTableNotFound = errors.New("table not found")

// interruptedMessage is recorded for tables found mid-cycle at startup
const interruptedMessage = "previous cycle was interrupted"

// Store provides serialized, durable access to the sync state.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/stacklok/pos-sync/internal/sync/state Store
type Store interface {
	// Initialize registers the tables in processing order. Tables left in an
	// in-progress phase by a previous process are reset to Idle. It is
	// intended to be called once at application startup.
	Initialize(ctx context.Context, tables []string) error
	// Status returns a snapshot of every registered table and the cycle state.
	Status(ctx context.Context) (*status.SyncStatus, error)
	// TableStatus returns a copy of one table's state or ErrTableNotFound.
	TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error)
	// UpdateTableAtomically fetches the table state, applies fn and persists
	// the result if fn reports a change, all as one atomic action.
	UpdateTableAtomically(
		ctx context.Context,
		table string,
		fn func(s *status.TableSyncStatus) bool,
	) (bool, error)
	// UpdateMetaAtomically does the same for the cycle-level state.
	UpdateMetaAtomically(ctx context.Context, fn func(m *status.CycleMeta) bool) (bool, error)
	// RecordCycleResult folds a finished cycle into the table and cycle state.
	RecordCycleResult(ctx context.Context, result *status.CycleResult) error
	// Reset clears watermarks and error counters of one table, or of every
	// table when table is empty.
	Reset(ctx context.Context, table string) error
}

// updater is the part of Store the shared operations are built on
type updater interface {
	UpdateTableAtomically(ctx context.Context, table string, fn func(s *status.TableSyncStatus) bool) (bool, error)
	UpdateMetaAtomically(ctx context.Context, fn func(m *status.CycleMeta) bool) (bool, error)
}

// recordCycleResult marks every attempted table as failed or succeeded and
// updates the cycle counters. Each failed table adds one to the divergence score.
func recordCycleResult(ctx context.Context, u updater, result *status.CycleResult) error {
	if result == nil || result.Running {
		return nil
	}

	at := result.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}

	var errs []error
	for _, table := range attemptedTables(result) {
		pull, pulled := result.Pull.PerTable[table]
		push, pushed := result.Push.PerTable[table]

		_, err := u.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
			switch {
			case pulled && !pull.Success:
				s.MarkFailed(pull.Error, at)
			case pushed && !push.Success:
				s.MarkFailed(push.Error, at)
			default:
				s.MarkSucceeded(at)
			}
			if pulled && pull.Success {
				s.LastPullAt = &at
			}
			if pushed && push.Success {
				s.LastPushAt = &at
			}
			return true
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", table, err))
		}
	}

	failed := len(result.FailedTables())
	_, err := u.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		m.LastCycleAt = &at
		m.Cycles++
		m.Recovery.DivergenceScore += failed
		return true
	})
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// resetTables clears the named tables and, for a full reset, the divergence
// state. Recovery history is kept.
func resetTables(ctx context.Context, u updater, tables []string, all bool) error {
	for _, table := range tables {
		if _, err := u.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
			s.Clear()
			return true
		}); err != nil {
			return fmt.Errorf("failed to reset table %s: %w", table, err)
		}
	}
	if !all {
		return nil
	}
	_, err := u.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		m.Recovery.DivergenceScore = 0
		m.Recovery.Corrupted = false
		m.Recovery.LastError = ""
		return true
	})
	return err
}

// normalizeLoaded brings a status read from storage into a consistent state
// at startup, reporting whether it changed.
func normalizeLoaded(table string, s *status.TableSyncStatus) bool {
	changed := false
	if s.Table != table {
		s.Table = table
		changed = true
	}
	if s.Phase == "" {
		s.Phase = status.TablePhaseIdle
		changed = true
	}
	if s.Phase.InProgress() {
		now := time.Now()
		s.MarkFailed(interruptedMessage, now)
		s.Phase = status.TablePhaseIdle
		changed = true
	}
	return changed
}

// attemptedTables lists tables present in either phase
func attemptedTables(result *status.CycleResult) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, phase := range []status.PhaseResult{result.Pull, result.Push} {
		for table := range phase.PerTable {
			if !seen[table] {
				seen[table] = true
				tables = append(tables, table)
			}
		}
	}
	slices.Sort(tables)
	return tables
}
