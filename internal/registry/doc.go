// Package registry holds the static set of synchronized tables.
//
// Each table is described by a TableDescriptor carrying its priority and
// conflict-resolution strategy. Descriptors are built once at startup from
// configuration, validated, and never mutated afterwards.
//
// # Ordering
//
// Tables(), Names() and the iteration order used by the sync engine follow
// priority (high, then medium, then low). Tables sharing a priority keep the
// order in which they were declared:
//
//	reg, err := registry.New([]registry.TableDescriptor{
//	    {Name: "transactions", Priority: registry.PriorityMedium, Strategy: registry.StrategySlaveWins},
//	    {Name: "inventories", Priority: registry.PriorityHigh, Strategy: registry.StrategyMasterWins},
//	})
//	// reg.Names() == []string{"inventories", "transactions"}
package registry
