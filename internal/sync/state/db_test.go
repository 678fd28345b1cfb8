//go:build integration

package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pos-sync/database"
	"github.com/stacklok/pos-sync/internal/status"
)

func TestDBStateService(t *testing.T) {
	t.Parallel()

	pool, cleanup := database.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Leave a table mid-cycle and another one that is no longer configured
	interrupted := status.NewTableSyncStatus("inventories")
	interrupted.Phase = status.TablePhasePushing
	interrupted.Pull.Cursor = 5
	data, err := json.Marshal(interrupted)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO sync_table_status (table_name, status) VALUES ($1, $2::jsonb), ($3, '{}'::jsonb)`,
		"inventories", string(data), "orders")
	require.NoError(t, err)

	store := NewDBStateService(pool)
	require.NoError(t, store.Initialize(ctx, testTables))

	t.Run("initialize", func(t *testing.T) {
		snapshot, err := store.Status(ctx)
		require.NoError(t, err)
		require.Len(t, snapshot.Tables, 3)
		assert.Equal(t, "inventories", snapshot.Tables[0].Table)

		inv := snapshot.Table("inventories")
		assert.Equal(t, status.TablePhaseIdle, inv.Phase)
		assert.Equal(t, int64(5), inv.Pull.Cursor)
		assert.Equal(t, interruptedMessage, inv.LastError)

		_, err = store.TableStatus(ctx, "orders")
		assert.ErrorIs(t, err, ErrTableNotFound)
	})

	t.Run("update atomically", func(t *testing.T) {
		updated, err := store.UpdateTableAtomically(ctx, "products", func(s *status.TableSyncStatus) bool {
			return s.Push.Advance(8, now)
		})
		require.NoError(t, err)
		assert.True(t, updated)

		updated, err = store.UpdateTableAtomically(ctx, "products", func(s *status.TableSyncStatus) bool {
			return s.Push.Advance(8, now)
		})
		require.NoError(t, err)
		assert.False(t, updated)

		s, err := store.TableStatus(ctx, "products")
		require.NoError(t, err)
		assert.Equal(t, int64(8), s.Push.Cursor)
		assert.True(t, now.Equal(*s.Push.UpdatedAt))
	})

	t.Run("record cycle and reset", func(t *testing.T) {
		result := &status.CycleResult{FinishedAt: now, Pull: status.NewPhaseResult(), Push: status.NewPhaseResult()}
		result.Pull.Record("transactions", status.TableResult{Error: "timeout"})
		require.NoError(t, store.RecordCycleResult(ctx, result))

		snapshot, err := store.Status(ctx)
		require.NoError(t, err)
		assert.False(t, snapshot.OverallHealthy)
		assert.Equal(t, int64(1), snapshot.Cycles)
		assert.GreaterOrEqual(t, snapshot.Recovery.DivergenceScore, 1)

		require.NoError(t, store.Reset(ctx, ""))
		snapshot, err = store.Status(ctx)
		require.NoError(t, err)
		assert.True(t, snapshot.OverallHealthy)
		assert.Zero(t, snapshot.Recovery.DivergenceScore)
		assert.Equal(t, int64(1), snapshot.Cycles)
		assert.Zero(t, snapshot.Table("products").Push.Cursor)
	})
}
