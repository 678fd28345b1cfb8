package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PriorityOrdering(t *testing.T) {
	t.Parallel()

	reg, err := New([]TableDescriptor{
		{Name: "c", Priority: PriorityLow, Strategy: StrategyMerge},
		{Name: "b", Priority: PriorityMedium, Strategy: StrategySlaveWins},
		{Name: "a", Priority: PriorityHigh, Strategy: StrategyMasterWins},
		{Name: "b2", Priority: PriorityMedium, Strategy: StrategyMasterWins},
		{Name: "a2", Priority: PriorityHigh, Strategy: StrategyMerge},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "a2", "b", "b2", "c"}, reg.Names())
	assert.Equal(t, 5, reg.Len())
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	reg, err := New([]TableDescriptor{{Name: "customers"}})
	require.NoError(t, err)

	d, ok := reg.Lookup("customers")
	require.True(t, ok)
	assert.Equal(t, DefaultPriority, d.Priority)
	assert.Equal(t, DefaultStrategy, d.Strategy)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		descriptors []TableDescriptor
		errContains string
	}{
		{
			name:        "empty registry",
			descriptors: nil,
			errContains: "at least one table",
		},
		{
			name:        "missing name",
			descriptors: []TableDescriptor{{Name: ""}},
			errContains: "name is required",
		},
		{
			name:        "invalid name",
			descriptors: []TableDescriptor{{Name: "../etc"}},
			errContains: "must be an identifier",
		},
		{
			name: "duplicate name",
			descriptors: []TableDescriptor{
				{Name: "sales"},
				{Name: "sales"},
			},
			errContains: "duplicate table name",
		},
		{
			name:        "unknown priority",
			descriptors: []TableDescriptor{{Name: "sales", Priority: "urgent"}},
			errContains: "unknown priority",
		},
		{
			name:        "unknown strategy",
			descriptors: []TableDescriptor{{Name: "sales", Strategy: "newest_wins"}},
			errContains: "unknown conflict resolution strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg, err := New(tt.descriptors)
			require.Error(t, err)
			assert.Nil(t, reg)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Strategy
		wantErr  bool
	}{
		{input: "master_wins", expected: StrategyMasterWins},
		{input: " SLAVE_WINS ", expected: StrategySlaveWins},
		{input: "merge", expected: StrategyMerge},
		{input: "", expected: DefaultStrategy},
		{input: "latest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRegistry_TablesReturnsCopy(t *testing.T) {
	t.Parallel()

	reg, err := New([]TableDescriptor{{Name: "inventories", Priority: PriorityHigh}})
	require.NoError(t, err)

	tables := reg.Tables()
	tables[0].Name = "mutated"

	assert.True(t, reg.Contains("inventories"))
	assert.False(t, reg.Contains("mutated"))
	_, ok := reg.Lookup("unknown")
	assert.False(t, ok)
}
