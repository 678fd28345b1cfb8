package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rows"
)

var (
	t1 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

func row(origin rows.Role, at time.Time, payload map[string]any) *rows.Row {
	return &rows.Row{Table: "t", Key: "1", Payload: payload, UpdatedAt: at, Origin: origin}
}

func tombstone(origin rows.Role, at time.Time) *rows.Row {
	return &rows.Row{Table: "t", Key: "1", UpdatedAt: at, Origin: origin, Deleted: true}
}

func TestResolve_Absent(t *testing.T) {
	t.Parallel()

	remote := row(rows.RoleMaster, t1, map[string]any{"a": 1})

	d := Resolve(nil, remote, registry.StrategyMasterWins, Options{})
	assert.Equal(t, ActionWrite, d.Action)
	assert.True(t, d.Row.SameContent(remote))

	d = Resolve(remote, nil, registry.StrategyMerge, Options{})
	assert.Equal(t, ActionKeep, d.Action)

	d = Resolve(nil, tombstone(rows.RoleMaster, t1), registry.StrategySlaveWins, Options{})
	assert.Equal(t, ActionDelete, d.Action)
	assert.True(t, d.Row.Deleted)
}

func TestResolve_MasterWins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		local    *rows.Row
		remote   *rows.Row
		opts     Options
		expected Action
	}{
		{
			name:     "master remote overwrites older slave local",
			local:    row(rows.RoleSlave, t1, map[string]any{"stock": 950}),
			remote:   row(rows.RoleMaster, t2, map[string]any{"stock": 1000}),
			expected: ActionWrite,
		},
		{
			name:     "master remote overwrites newer slave local",
			local:    row(rows.RoleSlave, t2, map[string]any{"stock": 950}),
			remote:   row(rows.RoleMaster, t1, map[string]any{"stock": 1000}),
			expected: ActionWrite,
		},
		{
			name:     "master local is never overwritten by slave remote",
			local:    row(rows.RoleMaster, t1, map[string]any{"stock": 1000}),
			remote:   row(rows.RoleSlave, t2, map[string]any{"stock": 950}),
			expected: ActionKeep,
		},
		{
			name:     "newer master version replaces older master version",
			local:    row(rows.RoleMaster, t1, map[string]any{"stock": 1000}),
			remote:   row(rows.RoleMaster, t2, map[string]any{"stock": 1200}),
			expected: ActionWrite,
		},
		{
			name:     "older master version overwrites newer master copy on a slave",
			local:    row(rows.RoleMaster, t2, map[string]any{"stock": 1000}),
			remote:   row(rows.RoleMaster, t1, map[string]any{"stock": 900}),
			opts:     Options{LocalRole: rows.RoleSlave},
			expected: ActionWrite,
		},
		{
			name:     "older master version reaching the master is ignored",
			local:    row(rows.RoleMaster, t2, map[string]any{"stock": 1200}),
			remote:   row(rows.RoleMaster, t1, map[string]any{"stock": 1000}),
			opts:     Options{LocalRole: rows.RoleMaster},
			expected: ActionKeep,
		},
		{
			name:     "same origin tie on the master keeps local",
			local:    row(rows.RoleMaster, t1, map[string]any{"stock": 1}),
			remote:   row(rows.RoleMaster, t1, map[string]any{"stock": 2}),
			opts:     Options{LocalRole: rows.RoleMaster},
			expected: ActionKeep,
		},
		{
			name:     "same origin tie on the master goes to remote when forced",
			local:    row(rows.RoleMaster, t1, map[string]any{"stock": 1}),
			remote:   row(rows.RoleMaster, t1, map[string]any{"stock": 2}),
			opts:     Options{LocalRole: rows.RoleMaster, PreferRemoteOnTie: true},
			expected: ActionWrite,
		},
		{
			name:     "slave rows are ordered by timestamp",
			local:    row(rows.RoleSlave, t2, map[string]any{"stock": 5}),
			remote:   row(rows.RoleSlave, t1, map[string]any{"stock": 4}),
			opts:     Options{LocalRole: rows.RoleSlave},
			expected: ActionKeep,
		},
		{
			name:     "master delete removes slave row",
			local:    row(rows.RoleSlave, t2, map[string]any{"stock": 1}),
			remote:   tombstone(rows.RoleMaster, t1),
			expected: ActionDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Resolve(tt.local, tt.remote, registry.StrategyMasterWins, tt.opts)
			assert.Equal(t, tt.expected, d.Action, d.Action.String())
			if tt.expected != ActionKeep {
				require.NotNil(t, d.Row)
				assert.True(t, d.Row.SameContent(tt.remote))
			}
		})
	}
}

func TestResolve_SlaveWins(t *testing.T) {
	t.Parallel()

	slaveRow := row(rows.RoleSlave, t1, map[string]any{"total": 10})
	masterRow := row(rows.RoleMaster, t2, map[string]any{"total": 99})

	// slave receiving a stale master copy keeps its own sale
	d := Resolve(slaveRow, masterRow, registry.StrategySlaveWins, Options{})
	assert.Equal(t, ActionKeep, d.Action)

	// master receiving the slave's sale stores it unchanged
	d = Resolve(masterRow, slaveRow, registry.StrategySlaveWins, Options{})
	assert.Equal(t, ActionWrite, d.Action)
	assert.True(t, d.Row.SameContent(slaveRow))
	assert.Equal(t, rows.RoleSlave, d.Row.Origin)

	// the master always stores the slave's current version of its own sale
	newer := row(rows.RoleSlave, t2, map[string]any{"total": 12})
	d = Resolve(newer, slaveRow, registry.StrategySlaveWins, Options{LocalRole: rows.RoleMaster})
	assert.Equal(t, ActionWrite, d.Action)
	assert.True(t, d.Row.SameContent(slaveRow))

	// a slave keeps its unpushed edit over an older copy served by the master
	d = Resolve(newer, slaveRow, registry.StrategySlaveWins, Options{LocalRole: rows.RoleSlave})
	assert.Equal(t, ActionKeep, d.Action)
}

func TestResolve_Merge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		local           *rows.Row
		remote          *rows.Row
		opts            Options
		expectedAction  Action
		expectedPayload map[string]any
		expectedDeleted bool
	}{
		{
			name:            "newer remote wins shared fields and local-only fields survive",
			local:           row(rows.RoleSlave, t1, map[string]any{"price": 5, "note": "local"}),
			remote:          row(rows.RoleMaster, t2, map[string]any{"price": 7}),
			expectedAction:  ActionWrite,
			expectedPayload: map[string]any{"price": 7, "note": "local"},
		},
		{
			name:            "newer local wins shared fields and remote-only fields are added",
			local:           row(rows.RoleSlave, t2, map[string]any{"price": 5}),
			remote:          row(rows.RoleMaster, t1, map[string]any{"price": 7, "sku": "A1"}),
			expectedAction:  ActionWrite,
			expectedPayload: map[string]any{"price": 5, "sku": "A1"},
		},
		{
			name:           "newer local with no new fields keeps local",
			local:          row(rows.RoleSlave, t2, map[string]any{"price": 5, "sku": "A1"}),
			remote:         row(rows.RoleMaster, t1, map[string]any{"price": 7}),
			expectedAction: ActionKeep,
		},
		{
			name:           "timestamp tie prefers local",
			local:          row(rows.RoleSlave, t1, map[string]any{"price": 5}),
			remote:         row(rows.RoleMaster, t1, map[string]any{"price": 7}),
			expectedAction: ActionKeep,
		},
		{
			name:            "timestamp tie prefers remote when forced",
			local:           row(rows.RoleSlave, t1, map[string]any{"price": 5}),
			remote:          row(rows.RoleMaster, t1, map[string]any{"price": 7}),
			opts:            Options{PreferRemoteOnTie: true},
			expectedAction:  ActionWrite,
			expectedPayload: map[string]any{"price": 7},
		},
		{
			name:            "newer delete beats update",
			local:           row(rows.RoleSlave, t1, map[string]any{"price": 5}),
			remote:          tombstone(rows.RoleMaster, t2),
			expectedAction:  ActionDelete,
			expectedDeleted: true,
		},
		{
			name:           "older delete loses to update",
			local:          row(rows.RoleSlave, t2, map[string]any{"price": 5}),
			remote:         tombstone(rows.RoleMaster, t1),
			expectedAction: ActionKeep,
		},
		{
			name:           "delete tie loses to update",
			local:          row(rows.RoleSlave, t1, map[string]any{"price": 5}),
			remote:         tombstone(rows.RoleMaster, t1),
			expectedAction: ActionKeep,
		},
		{
			name:            "delete tie wins when forced",
			local:           row(rows.RoleSlave, t1, map[string]any{"price": 5}),
			remote:          tombstone(rows.RoleMaster, t1),
			opts:            Options{PreferRemoteOnTie: true},
			expectedAction:  ActionDelete,
			expectedDeleted: true,
		},
		{
			name:            "newer update resurrects deleted row",
			local:           tombstone(rows.RoleSlave, t1),
			remote:          row(rows.RoleMaster, t2, map[string]any{"price": 9}),
			expectedAction:  ActionWrite,
			expectedPayload: map[string]any{"price": 9},
		},
		{
			name:           "two tombstones keep local",
			local:          tombstone(rows.RoleSlave, t1),
			remote:         tombstone(rows.RoleMaster, t2),
			expectedAction: ActionKeep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Resolve(tt.local, tt.remote, registry.StrategyMerge, tt.opts)
			require.Equal(t, tt.expectedAction, d.Action, d.Action.String())
			if tt.expectedAction == ActionKeep {
				assert.Nil(t, d.Row)
				return
			}
			assert.Equal(t, tt.expectedDeleted, d.Row.Deleted)
			if tt.expectedPayload != nil {
				assert.True(t, rows.PayloadEqual(tt.expectedPayload, d.Row.Payload), "got %v", d.Row.Payload)
			}
		})
	}
}

func TestResolve_MergeStampsLocalRoleOnCombinedRows(t *testing.T) {
	t.Parallel()

	local := row(rows.RoleSlave, t1, map[string]any{"note": "local"})
	remote := row(rows.RoleMaster, t2, map[string]any{"price": 7})

	d := Resolve(local, remote, registry.StrategyMerge, Options{LocalRole: rows.RoleSlave})
	require.Equal(t, ActionWrite, d.Action)
	assert.Equal(t, rows.RoleSlave, d.Row.Origin)
	assert.Equal(t, t2, d.Row.UpdatedAt)

	// a pure remote win keeps the remote origin
	local = row(rows.RoleSlave, t1, map[string]any{"price": 5})
	d = Resolve(local, remote, registry.StrategyMerge, Options{LocalRole: rows.RoleSlave})
	require.Equal(t, ActionWrite, d.Action)
	assert.Equal(t, rows.RoleMaster, d.Row.Origin)
}

func TestResolve_IdenticalRowsAreNoOps(t *testing.T) {
	t.Parallel()

	for _, strategy := range []registry.Strategy{registry.StrategyMasterWins, registry.StrategySlaveWins, registry.StrategyMerge} {
		local := row(rows.RoleSlave, t1, map[string]any{"x": 1})
		remote := row(rows.RoleMaster, t1, map[string]any{"x": 1})
		d := Resolve(local, remote, strategy, Options{PreferRemoteOnTie: true})
		assert.Equal(t, ActionKeep, d.Action, string(strategy))
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	local := row(rows.RoleSlave, t1, map[string]any{"a": 1, "b": 2})
	remote := row(rows.RoleMaster, t2, map[string]any{"b": 3, "c": 4})

	for _, strategy := range []registry.Strategy{registry.StrategyMasterWins, registry.StrategySlaveWins, registry.StrategyMerge} {
		first := Resolve(local, remote, strategy, Options{})
		second := Resolve(local, remote, strategy, Options{})
		assert.Equal(t, first, second, string(strategy))
	}

	// inputs are not mutated
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, local.Payload)
	assert.Equal(t, map[string]any{"b": 3, "c": 4}, remote.Payload)
}
