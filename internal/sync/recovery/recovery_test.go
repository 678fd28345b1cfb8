package recovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/pos-sync/internal/lock"
	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/sync/state"
	"github.com/stacklok/pos-sync/internal/transport"
	transportmocks "github.com/stacklok/pos-sync/internal/transport/mocks"
	"github.com/stacklok/pos-sync/internal/wire"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	registry *registry.Registry
	rows     *rowstore.SQLiteStore
	state    state.Store
	peer     *transportmocks.MockPeer
	lock     *lock.CycleLock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New([]registry.TableDescriptor{
		{Name: "products", Priority: registry.PriorityHigh, Strategy: registry.StrategyMasterWins},
		{Name: "orders", Priority: registry.PriorityLow, Strategy: registry.StrategySlaveWins},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	rowStore, err := rowstore.OpenSQLite(ctx, filepath.Join(dir, "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rowStore.Close() })

	stateStore := state.NewFileStateService(status.NewFileStatusPersistence(filepath.Join(dir, "status")))
	require.NoError(t, stateStore.Initialize(ctx, reg.Names()))

	return &fixture{
		registry: reg,
		rows:     rowStore,
		state:    stateStore,
		peer:     transportmocks.NewMockPeer(gomock.NewController(t)),
		lock:     lock.New(""),
	}
}

func (f *fixture) manager(opts ...recovery.Option) *recovery.Manager {
	opts = append([]recovery.Option{recovery.WithClock(func() time.Time { return testNow })}, opts...)
	return recovery.New(f.registry, f.rows, f.state, f.peer, f.lock, rows.RoleSlave, opts...)
}

func masterChange(table, key string, seq int64, name string, at time.Time) rows.RowChange {
	return rows.RowChange{
		Table:     table,
		Key:       key,
		Payload:   map[string]any{"name": name},
		UpdatedAt: at,
		Seq:       seq,
		Origin:    rows.RoleMaster,
		Op:        rows.OpUpdate,
	}
}

func TestManager_NeedsRecovery(t *testing.T) {
	t.Parallel()

	recent := testNow.Add(-time.Hour)
	old := testNow.Add(-48 * time.Hour)

	tests := []struct {
		name       string
		prepare    func(t *testing.T, s state.Store)
		wantNeeded bool
		wantReason string
	}{
		{
			name:       "fresh state never synced",
			prepare:    func(*testing.T, state.Store) {},
			wantNeeded: false,
		},
		{
			name: "recent success",
			prepare: func(t *testing.T, s state.Store) {
				updateTable(t, s, "products", func(ts *status.TableSyncStatus) { ts.LastPullAt = &recent })
			},
			wantNeeded: false,
		},
		{
			name: "corrupted store",
			prepare: func(t *testing.T, s state.Store) {
				_, err := s.UpdateMetaAtomically(context.Background(), func(m *status.CycleMeta) bool {
					m.Recovery.Corrupted = true
					return true
				})
				require.NoError(t, err)
			},
			wantNeeded: true,
			wantReason: recovery.ReasonCorrupted,
		},
		{
			name: "failures at threshold",
			prepare: func(t *testing.T, s state.Store) {
				updateTable(t, s, "orders", func(ts *status.TableSyncStatus) { ts.ConsecutiveFailures = 3 })
			},
			wantNeeded: false,
		},
		{
			name: "failures above threshold",
			prepare: func(t *testing.T, s state.Store) {
				updateTable(t, s, "orders", func(ts *status.TableSyncStatus) { ts.ConsecutiveFailures = 4 })
			},
			wantNeeded: true,
			wantReason: recovery.ReasonFailures,
		},
		{
			name: "stale table",
			prepare: func(t *testing.T, s state.Store) {
				updateTable(t, s, "products", func(ts *status.TableSyncStatus) {
					ts.LastPullAt = &old
					ts.LastPushAt = &old
				})
			},
			wantNeeded: true,
			wantReason: recovery.ReasonStale,
		},
		{
			name: "stale pull but recent push",
			prepare: func(t *testing.T, s state.Store) {
				updateTable(t, s, "products", func(ts *status.TableSyncStatus) {
					ts.LastPullAt = &old
					ts.LastPushAt = &recent
				})
			},
			wantNeeded: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.prepare(t, f.state)

			needed, reason := f.manager().NeedsRecovery(context.Background())
			assert.Equal(t, tt.wantNeeded, needed)
			if tt.wantNeeded {
				assert.Contains(t, reason, tt.wantReason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestManager_NeedsRecovery_CustomThresholds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	last := testNow.Add(-2 * time.Hour)
	updateTable(t, f.state, "products", func(ts *status.TableSyncStatus) {
		ts.LastPullAt = &last
		ts.ConsecutiveFailures = 1
	})

	needed, _ := f.manager().NeedsRecovery(context.Background())
	assert.False(t, needed)

	needed, reason := f.manager(recovery.WithStalenessThreshold(time.Hour)).NeedsRecovery(context.Background())
	assert.True(t, needed)
	assert.Contains(t, reason, recovery.ReasonStale)

	needed, reason = f.manager(recovery.WithFailureThreshold(0)).NeedsRecovery(context.Background())
	assert.False(t, needed, "a non-positive threshold keeps the default")
	assert.Empty(t, reason)
}

func TestManager_Recover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	t1 := testNow.Add(-time.Hour)

	// A local slave edit newer than the master copy must lose under master_wins
	_, err := f.rows.Put(ctx, &rows.Row{
		Table:     "products",
		Key:       "p1",
		Payload:   map[string]any{"name": "Local"},
		UpdatedAt: testNow,
		Origin:    rows.RoleSlave,
	})
	require.NoError(t, err)

	_, err = f.state.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		m.Recovery.Corrupted = true
		m.Recovery.DivergenceScore = 7
		return true
	})
	require.NoError(t, err)
	updateTable(t, f.state, "products", func(ts *status.TableSyncStatus) {
		ts.Pull.Cursor = 99
		ts.ConsecutiveFailures = 5
		ts.Phase = status.TablePhaseError
	})

	gomock.InOrder(
		f.peer.EXPECT().Pull(gomock.Any(), "products", int64(0), 2).Return(&wire.PullResponse{
			Table:   "products",
			Changes: []rows.RowChange{masterChange("products", "p1", 4, "Coffee", t1), masterChange("products", "p2", 5, "Tea", t1)},
			Cursor:  5,
			HasMore: true,
		}, nil),
		f.peer.EXPECT().Pull(gomock.Any(), "products", int64(5), 2).Return(&wire.PullResponse{
			Table:   "products",
			Changes: []rows.RowChange{masterChange("products", "p3", 9, "Milk", t1)},
			Cursor:  9,
		}, nil),
		f.peer.EXPECT().Pull(gomock.Any(), "orders", int64(0), 2).Return(&wire.PullResponse{
			Table:  "orders",
			Cursor: 0,
		}, nil),
	)

	result := f.manager(recovery.WithPageSize(2)).Recover(ctx)
	require.True(t, result.Success, result.Failed)
	assert.False(t, result.Running)
	assert.Equal(t, []string{"products", "orders"}, result.Recovered)
	assert.Empty(t, result.Failed)

	got, err := f.rows.Get(ctx, "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Coffee", got.Payload["name"])
	assert.Equal(t, rows.RoleMaster, got.Origin)

	for _, key := range []string{"p2", "p3"} {
		_, err := f.rows.Get(ctx, "products", key)
		assert.NoError(t, err, key)
	}

	products, err := f.state.TableStatus(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(9), products.Pull.Cursor, "watermark is set, not advanced")
	assert.Equal(t, status.TablePhaseIdle, products.Phase)
	assert.Zero(t, products.ConsecutiveFailures)
	assert.True(t, products.Healthy)

	orders, err := f.state.TableStatus(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, orders.Pull.Cursor)
	assert.True(t, orders.Healthy)

	snapshot, err := f.state.Status(ctx)
	require.NoError(t, err)
	assert.False(t, snapshot.Recovery.Corrupted)
	assert.Zero(t, snapshot.Recovery.DivergenceScore)
	assert.Empty(t, snapshot.Recovery.LastError)
	require.NotNil(t, snapshot.Recovery.LastRecoveryAt)
	assert.True(t, snapshot.Recovery.LastRecoveryAt.Equal(testNow))

	assert.False(t, f.lock.Held())
}

func TestManager_Recover_PartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.state.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		m.Recovery.Corrupted = true
		return true
	})
	require.NoError(t, err)

	peerErr := &transport.Error{Kind: transport.KindTransport, Op: "pull", Attempts: 4, Err: errors.New("connection refused")}
	f.peer.EXPECT().Pull(gomock.Any(), "products", int64(0), gomock.Any()).Return(nil, peerErr)
	f.peer.EXPECT().Pull(gomock.Any(), "orders", int64(0), gomock.Any()).Return(&wire.PullResponse{
		Table:   "orders",
		Changes: []rows.RowChange{masterChange("orders", "o1", 3, "Order", testNow)},
		Cursor:  3,
	}, nil)

	result := f.manager().Recover(ctx)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"orders"}, result.Recovered)
	require.Contains(t, result.Failed, "products")
	assert.Contains(t, result.Failed["products"], "connection refused")

	products, err := f.state.TableStatus(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, status.TablePhaseError, products.Phase)
	assert.Equal(t, 1, products.ConsecutiveFailures)
	assert.Zero(t, products.Pull.Cursor)

	orders, err := f.state.TableStatus(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), orders.Pull.Cursor)

	snapshot, err := f.state.Status(ctx)
	require.NoError(t, err)
	assert.True(t, snapshot.Recovery.Corrupted, "a failed recovery keeps the corruption flag")
	assert.Nil(t, snapshot.Recovery.LastRecoveryAt)
	require.NotNil(t, snapshot.Recovery.LastAttemptAt)
	assert.NotEmpty(t, snapshot.Recovery.LastError)
}

func TestManager_Recover_InvalidChangeFailsTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	bad := masterChange("products", "p1", 1, "Coffee", testNow)
	bad.Op = "upsert"
	f.peer.EXPECT().Pull(gomock.Any(), "products", int64(0), gomock.Any()).Return(&wire.PullResponse{
		Table:   "products",
		Changes: []rows.RowChange{bad},
		Cursor:  1,
	}, nil)
	f.peer.EXPECT().Pull(gomock.Any(), "orders", int64(0), gomock.Any()).Return(&wire.PullResponse{Table: "orders"}, nil)

	result := f.manager().Recover(ctx)
	assert.False(t, result.Success)
	assert.Contains(t, result.Failed["products"], "invalid change")

	_, err := f.rows.Get(ctx, "products", "p1")
	assert.ErrorIs(t, err, rowstore.ErrRowNotFound)
}

func TestManager_Recover_LockHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	acquired, err := f.lock.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = f.lock.Unlock() }()

	m := f.manager()
	result := m.Recover(context.Background())
	assert.True(t, result.Running)
	assert.False(t, result.Success)
	assert.Equal(t, "a sync cycle or recovery is already running", result.Message())
	assert.False(t, m.PerformRecovery(context.Background()))
}

func TestResult_Message(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "recovered 2 table(s)",
		(&recovery.Result{Success: true, Recovered: []string{"a", "b"}}).Message())
	assert.Equal(t, "recovery failed for 1 table(s)",
		(&recovery.Result{Failed: map[string]string{"a": "boom"}}).Message())
}

func updateTable(t *testing.T, s state.Store, table string, fn func(*status.TableSyncStatus)) {
	t.Helper()
	_, err := s.UpdateTableAtomically(context.Background(), table, func(ts *status.TableSyncStatus) bool {
		fn(ts)
		return true
	})
	require.NoError(t, err)
}
