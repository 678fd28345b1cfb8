// Package coordinator schedules synchronization on a slave.
//
// The coordinator sits on top of the sync engine and the recovery manager:
//
//   - internal/sync: one pull/push pass over every table (what a cycle does)
//   - internal/sync/recovery: deciding on and running a full resync
//   - internal/sync/coordinator: when cycles run (startup, interval)
//
// # Lifecycle
//
//	coord := coordinator.New(engine, recoveryManager, cfg)
//	go coord.Start(ctx)
//	// ... run server ...
//	coord.Stop()
//
// Start returns immediately on a master or when synchronization is disabled
// in the configuration, after waiting for the context to end.
//
// # Scheduling
//
// With startupSync set, one cycle runs as soon as Start is called. After
// that a ticker fires every configured interval, with a random offset of up
// to ten percent. Ticks that fire while a cycle is still running are
// dropped by the ticker, and a cycle started by an operator at the same time
// makes the scheduled one report ErrCycleRunning and skip.
//
// After every cycle the coordinator asks the recovery manager whether a
// full resync is due (corrupted store, repeated failures of one table, or a
// table that has not synced for too long) and runs it in the same goroutine.
//
// # Error Handling
//
// Failed cycles and failed recoveries are logged and retried on the next
// tick. A panic inside a cycle is recovered and logged with its stack.
package coordinator
