package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/sync/state"
)

// InitializeSyncState registers every configured table with the state store.
// This function is idempotent and safe to call on every startup.
//
// Tables seen for the first time start Idle and healthy. Tables left in the
// middle of a pull or push by a previous process are marked failed and
// returned to Idle so the next cycle retries them.
func InitializeSyncState(ctx context.Context, reg *registry.Registry, stateStore state.Store) error {
	if reg == nil {
		return fmt.Errorf("table registry is required")
	}
	if stateStore == nil {
		return fmt.Errorf("state store is required")
	}

	slog.Info("Initializing sync state", "tables", reg.Len())

	if err := stateStore.Initialize(ctx, reg.Names()); err != nil {
		return fmt.Errorf("failed to initialize sync state: %w", err)
	}

	snapshot, err := stateStore.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}

	unhealthy := 0
	for _, ts := range snapshot.Tables {
		if !ts.Healthy {
			unhealthy++
			slog.Warn("Table starts unhealthy", "table", ts.Table, "last_error", ts.LastError,
				"consecutive_failures", ts.ConsecutiveFailures)
		}
	}

	slog.Info("Sync state initialized", "tables", len(snapshot.Tables), "unhealthy", unhealthy)
	return nil
}
