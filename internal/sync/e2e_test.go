package sync_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pos-sync/internal/api"
	"github.com/stacklok/pos-sync/internal/lock"
	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/service"
	"github.com/stacklok/pos-sync/internal/status"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/sync/state"
	"github.com/stacklok/pos-sync/internal/transport"
	"github.com/stacklok/pos-sync/internal/wire"
)

// node is one instance wired the way the application wires it, minus the
// scheduler
type node struct {
	role     rows.Role
	registry *registry.Registry
	rows     *rowstore.SQLiteStore
	state    state.Store
	lock     *lock.CycleLock
	engine   *syncengine.Engine
	recovery *recovery.Manager
	service  service.SyncService
	server   *httptest.Server
}

func storeTables() []registry.TableDescriptor {
	return []registry.TableDescriptor{
		{Name: "transactions", Priority: registry.PriorityLow, Strategy: registry.StrategySlaveWins},
		{Name: "inventories", Priority: registry.PriorityHigh, Strategy: registry.StrategyMasterWins},
		{Name: "customers", Priority: registry.PriorityMedium, Strategy: registry.StrategyMerge},
	}
}

// newNode starts an instance. peerURL is empty for the master.
func newNode(t *testing.T, role rows.Role, peerURL string) *node {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(storeTables())
	require.NoError(t, err)

	dir := t.TempDir()
	rowStore, err := rowstore.OpenSQLite(ctx, filepath.Join(dir, "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rowStore.Close() })

	stateStore := state.NewFileStateService(status.NewFileStatusPersistence(filepath.Join(dir, "status")))
	require.NoError(t, stateStore.Initialize(ctx, reg.Names()))

	n := &node{
		role:     role,
		registry: reg,
		rows:     rowStore,
		state:    stateStore,
		lock:     lock.New(filepath.Join(dir, "cycle.lock")),
	}

	var peer transport.Peer
	if peerURL != "" {
		client, err := transport.New(peerURL, role,
			transport.WithRetryAttempts(1),
			transport.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
		require.NoError(t, err)
		peer = client
	}

	n.engine = syncengine.NewEngine(reg, rowStore, stateStore, peer, n.lock, role)

	var opts []service.Option
	if role == rows.RoleSlave {
		n.recovery = recovery.New(reg, rowStore, stateStore, peer, n.lock, role, recovery.WithPageSize(2))
		opts = append(opts, service.WithRecoverer(n.recovery))
	}
	n.service, err = service.New(reg, rowStore, stateStore, n.engine, role, opts...)
	require.NoError(t, err)

	n.server = httptest.NewServer(api.NewServer(n.service))
	t.Cleanup(n.server.Close)
	return n
}

func (n *node) put(t *testing.T, table, key string, payload map[string]any, at time.Time) *rows.Row {
	t.Helper()
	stored, err := n.rows.Put(context.Background(), &rows.Row{
		Table: table, Key: key, Payload: payload, UpdatedAt: at, Origin: n.role,
	})
	require.NoError(t, err)
	return stored
}

func (n *node) get(t *testing.T, table, key string) *rows.Row {
	t.Helper()
	row, err := n.rows.Get(context.Background(), table, key)
	require.NoError(t, err)
	return row
}

func (n *node) tableStatus(t *testing.T, table string) *status.TableSyncStatus {
	t.Helper()
	ts, err := n.state.TableStatus(context.Background(), table)
	require.NoError(t, err)
	return ts
}

func TestSync_MasterWinsOverStaleSlaveEdit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	fresh := master.put(t, "inventories", "1", map[string]any{"stock": 1000}, t2)
	slave.put(t, "inventories", "1", map[string]any{"stock": 950}, t1)

	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success(), "failed tables: %v", result.FailedTables())

	row := slave.get(t, "inventories", "1")
	assert.Equal(t, float64(1000), row.Payload["stock"])
	assert.Equal(t, rows.RoleMaster, row.Origin)
	assert.True(t, row.UpdatedAt.Equal(t2))

	inventories := slave.tableStatus(t, "inventories")
	assert.Equal(t, fresh.Seq, inventories.Pull.Cursor)
	assert.True(t, inventories.Healthy)

	// The overwritten slave edit is not pushed back
	onMaster := master.get(t, "inventories", "1")
	assert.Equal(t, float64(1000), onMaster.Payload["stock"])
	assert.Equal(t, fresh.Seq, onMaster.Seq)
}

func TestSync_MasterCorrectionWithOlderTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	master.put(t, "inventories", "1", map[string]any{"stock": 1000}, t2)
	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Success(), "failed tables: %v", result.FailedTables())
	require.Equal(t, float64(1000), slave.get(t, "inventories", "1").Payload["stock"])

	// The master clock was ahead and the correction carries an earlier time
	correction := master.put(t, "inventories", "1", map[string]any{"stock": 900}, t1)

	result, err = slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Success(), "failed tables: %v", result.FailedTables())

	row := slave.get(t, "inventories", "1")
	assert.Equal(t, float64(900), row.Payload["stock"])
	assert.True(t, row.UpdatedAt.Equal(t1))
	assert.Equal(t, correction.Seq, slave.tableStatus(t, "inventories").Pull.Cursor)
}

func TestSync_RejectedPushIsOverwrittenByMasterRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	master.put(t, "inventories", "1", map[string]any{"stock": 1000}, t1)
	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Success(), "failed tables: %v", result.FailedTables())

	// A local edit made after the slave already pulled the master row
	edit := slave.put(t, "inventories", "1", map[string]any{"stock": 950}, t2)

	result, err = slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Success(), "failed tables: %v", result.FailedTables())

	push := result.Push.PerTable["inventories"]
	assert.Equal(t, 1, push.Rows)
	assert.Zero(t, push.Applied)
	assert.Equal(t, 1, push.Skipped)
	assert.Equal(t, edit.Seq, slave.tableStatus(t, "inventories").Push.Cursor)

	row := slave.get(t, "inventories", "1")
	assert.Equal(t, float64(1000), row.Payload["stock"])
	assert.Equal(t, rows.RoleMaster, row.Origin)
	assert.Equal(t, float64(1000), master.get(t, "inventories", "1").Payload["stock"])

	// Nothing is left to push or pull once both sides agree
	result, err = slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Push.PerTable["inventories"].Rows)
	assert.Zero(t, result.Pull.PerTable["inventories"].Applied)
}

func TestSync_SlaveTransactionReachesMaster(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	local := slave.put(t, "transactions", "tx-42", map[string]any{"total": 12.5, "register": "R1"}, t1)

	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success(), "failed tables: %v", result.FailedTables())
	assert.Equal(t, 1, result.Push.PerTable["transactions"].Rows)

	stored := master.get(t, "transactions", "tx-42")
	assert.Equal(t, local.Payload, stored.Payload)
	assert.True(t, stored.UpdatedAt.Equal(local.UpdatedAt))
	assert.Equal(t, rows.RoleSlave, stored.Origin)

	transactions := slave.tableStatus(t, "transactions")
	assert.Equal(t, local.Seq, transactions.Push.Cursor)
	assert.NotNil(t, transactions.LastPushAt)
}

func TestSync_ConvergesAndStaysQuiet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	master.put(t, "inventories", "1", map[string]any{"stock": 10}, t2)
	master.put(t, "customers", "c1", map[string]any{"name": "Ada"}, t1)
	slave.put(t, "customers", "c1", map[string]any{"name": "Ada L."}, t2)
	slave.put(t, "transactions", "tx-1", map[string]any{"total": 3}, t1)

	// The second cycle pulls back the rows the first one pushed
	for range 2 {
		result, err := slave.engine.RunCycle(ctx)
		require.NoError(t, err)
		require.True(t, result.Success(), "failed tables: %v", result.FailedTables())
	}

	assert.Equal(t, "Ada L.", master.get(t, "customers", "c1").Payload["name"], "newer slave edit wins a merge")
	assert.Equal(t, "Ada L.", slave.get(t, "customers", "c1").Payload["name"])

	before, err := slave.state.Status(ctx)
	require.NoError(t, err)
	masterSeq, err := master.rows.MaxSeq(ctx, "customers")
	require.NoError(t, err)

	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success())
	for table, r := range result.Pull.PerTable {
		assert.Zero(t, r.Applied, table)
		assert.Zero(t, result.Push.PerTable[table].Rows, table)
	}

	after, err := slave.state.Status(ctx)
	require.NoError(t, err)
	for _, table := range slave.registry.Names() {
		assert.Equal(t, before.Table(table).Pull, after.Table(table).Pull, table)
		assert.Equal(t, before.Table(table).Push, after.Table(table).Push, table)
	}
	masterSeqAfter, err := master.rows.MaxSeq(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, masterSeq, masterSeqAfter)
}

func TestSync_MasterUnreachable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)
	master.server.Close()

	slave.put(t, "transactions", "tx-1", map[string]any{"total": 3}, t1)

	result, err := slave.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ElementsMatch(t, slave.registry.Names(), result.FailedTables())

	pull := result.Pull.PerTable["transactions"]
	assert.Equal(t, 2, pull.Attempts)
	assert.Equal(t, syncengine.MessagePushNotAttempted, result.Push.PerTable["transactions"].Error)

	transactions := slave.tableStatus(t, "transactions")
	assert.Zero(t, transactions.Push.Cursor)
	assert.Equal(t, 1, transactions.ConsecutiveFailures)
	assert.False(t, transactions.Healthy)
}

func TestSync_FullResyncOverHTTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	for _, key := range []string{"1", "2", "3", "4", "5"} {
		master.put(t, "inventories", key, map[string]any{"stock": 5}, t2)
	}
	slave.put(t, "inventories", "3", map[string]any{"stock": 1}, t1)

	_, err := slave.state.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		m.Recovery.Corrupted = true
		return true
	})
	require.NoError(t, err)
	needed, reason := slave.recovery.NeedsRecovery(ctx)
	require.True(t, needed)
	assert.Equal(t, recovery.ReasonCorrupted, reason)

	operator, err := transport.New(slave.server.URL, rows.RoleSlave)
	require.NoError(t, err)
	resp, err := operator.FullSync(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Message)

	for _, key := range []string{"1", "2", "3", "4", "5"} {
		assert.Equal(t, float64(5), slave.get(t, "inventories", key).Payload["stock"], key)
	}
	maxSeq, err := master.rows.MaxSeq(ctx, "inventories")
	require.NoError(t, err)
	assert.Equal(t, maxSeq, slave.tableStatus(t, "inventories").Pull.Cursor)

	needed, _ = slave.recovery.NeedsRecovery(ctx)
	assert.False(t, needed)

	// Masters have no upstream to resync from
	masterOperator, err := transport.New(master.server.URL, rows.RoleMaster, transport.WithRetryAttempts(0))
	require.NoError(t, err)
	_, err = masterOperator.FullSync(ctx)
	require.Error(t, err)
	assert.Equal(t, 409, transport.StatusCode(err))
}

func TestSync_BatchTransfer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newNode(t, rows.RoleMaster, "")
	slave := newNode(t, rows.RoleSlave, master.server.URL)

	master.put(t, "customers", "c1", map[string]any{"name": "Ada"}, t1)
	master.put(t, "customers", "c2", map[string]any{"name": "Grace"}, t2)

	client, err := transport.New(master.server.URL, rows.RoleSlave)
	require.NoError(t, err)

	download, err := client.Download(ctx, "customers", 0, 10)
	require.NoError(t, err)
	require.Len(t, download.Changes, 2)
	require.NotEmpty(t, download.BatchID)

	ack, err := client.Acknowledge(ctx, download.BatchID)
	require.NoError(t, err)
	assert.Equal(t, download.BatchID, ack.BatchID)
	assert.False(t, ack.AcknowledgedAt.IsZero())

	// Acknowledging twice is harmless
	_, err = client.Acknowledge(ctx, download.BatchID)
	require.NoError(t, err)

	// Replaying the batch into the slave through its own API
	slaveClient, err := transport.New(slave.server.URL, rows.RoleMaster)
	require.NoError(t, err)
	upload := &wire.UploadRequest{BatchID: download.BatchID, Table: "customers", Changes: download.Changes}
	first, err := slaveClient.Upload(ctx, upload)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Applied)

	again, err := slaveClient.Upload(ctx, upload)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Zero(t, again.Applied)

	assert.Equal(t, "Grace", slave.get(t, "customers", "c2").Payload["name"])
}
