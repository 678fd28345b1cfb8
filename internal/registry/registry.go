package registry

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Priority determines the processing order of a table within a cycle
type Priority string

const (
	// PriorityHigh tables are processed first
	PriorityHigh Priority = "high"

	// PriorityMedium tables are processed after all high priority tables
	PriorityMedium Priority = "medium"

	// PriorityLow tables are processed last
	PriorityLow Priority = "low"
)

// Strategy is the conflict-resolution rule applied to every row of a table
type Strategy string

const (
	// StrategyMasterWins lets the master-origin version overwrite the other side
	StrategyMasterWins Strategy = "master_wins"

	// StrategySlaveWins lets the slave-origin version overwrite the other side
	StrategySlaveWins Strategy = "slave_wins"

	// StrategyMerge reconciles rows field by field
	StrategyMerge Strategy = "merge"
)

// DefaultPriority is used when a table is declared without a priority
const DefaultPriority = PriorityMedium

// DefaultStrategy is used when a table is declared without a strategy
const DefaultStrategy = StrategyMasterWins

// tableNamePattern restricts table names to identifiers safe for URLs and file paths
var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TableDescriptor describes one synchronized table
type TableDescriptor struct {
	Name     string   `json:"name" yaml:"name"`
	Priority Priority `json:"priority" yaml:"priority"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// Registry is the validated, ordered set of synchronized tables
type Registry struct {
	tables []TableDescriptor
	index  map[string]int
}

// ParsePriority converts a configuration value into a Priority
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	case "":
		return DefaultPriority, nil
	default:
		return "", fmt.Errorf("unknown priority %q (expected high, medium or low)", s)
	}
}

// ParseStrategy converts a configuration value into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyMasterWins, StrategySlaveWins, StrategyMerge:
		return st, nil
	case "":
		return DefaultStrategy, nil
	default:
		return "", fmt.Errorf("unknown conflict resolution strategy %q (expected master_wins, slave_wins or merge)", s)
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// New validates the descriptors and returns a Registry ordered by priority.
// Unknown priorities or strategies, invalid names and duplicates are rejected.
func New(descriptors []TableDescriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("at least one table must be registered")
	}

	tables := make([]TableDescriptor, 0, len(descriptors))
	seen := make(map[string]bool, len(descriptors))
	for i, d := range descriptors {
		prefix := fmt.Sprintf("table[%d] (%s)", i, d.Name)

		if d.Name == "" {
			return nil, fmt.Errorf("table[%d]: name is required", i)
		}
		if !tableNamePattern.MatchString(d.Name) {
			return nil, fmt.Errorf("%s: name must be an identifier", prefix)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%s: duplicate table name", prefix)
		}
		seen[d.Name] = true

		priority, err := ParsePriority(string(d.Priority))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prefix, err)
		}
		strategy, err := ParseStrategy(string(d.Strategy))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prefix, err)
		}

		tables = append(tables, TableDescriptor{Name: d.Name, Priority: priority, Strategy: strategy})
	}

	slices.SortStableFunc(tables, func(a, b TableDescriptor) int {
		return a.Priority.rank() - b.Priority.rank()
	})

	index := make(map[string]int, len(tables))
	for i, t := range tables {
		index[t.Name] = i
	}

	return &Registry{tables: tables, index: index}, nil
}

// Tables returns the descriptors in processing order
func (r *Registry) Tables() []TableDescriptor {
	return slices.Clone(r.tables)
}

// Names returns the table names in processing order
func (r *Registry) Names() []string {
	names := make([]string, len(r.tables))
	for i, t := range r.tables {
		names[i] = t.Name
	}
	return names
}

// Lookup returns the descriptor of the named table
func (r *Registry) Lookup(name string) (TableDescriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return TableDescriptor{}, false
	}
	return r.tables[i], true
}

// Contains reports whether the named table is registered
func (r *Registry) Contains(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Len returns the number of registered tables
func (r *Registry) Len() int {
	return len(r.tables)
}
