package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	syncengine "github.com/stacklok/pos-sync/internal/sync"
)

// runScheduledCycle runs one cycle and, when the state calls for it, a full
// resync. Nothing that happens here stops the scheduler.
func (c *defaultCoordinator) runScheduledCycle(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduled sync panicked",
				"trigger", trigger,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	slog.Debug("Running scheduled sync cycle", "trigger", trigger)

	result, err := c.controller.RunCycle(ctx)
	switch {
	case errors.Is(err, syncengine.ErrCycleRunning):
		slog.Info("Scheduled sync skipped, a cycle is already running", "trigger", trigger)
		return
	case err != nil:
		slog.Error("Scheduled sync failed", "trigger", trigger, "error", err)
	case !result.Success():
		slog.Warn("Scheduled sync finished with failures",
			"trigger", trigger,
			"failed_tables", result.FailedTables())
	}

	c.checkRecovery(ctx)
}

// checkRecovery hands off to the recovery manager when a resync is due
func (c *defaultCoordinator) checkRecovery(ctx context.Context) {
	if c.recoverer == nil || ctx.Err() != nil {
		return
	}

	needed, reason := c.recoverer.NeedsRecovery(ctx)
	if !needed {
		return
	}

	slog.Warn("Sync state requires recovery, starting full resync", "reason", reason)
	if c.recoverer.PerformRecovery(ctx) {
		slog.Info("Recovery completed")
	} else {
		slog.Error("Recovery did not complete, will retry on the next check")
	}
}
