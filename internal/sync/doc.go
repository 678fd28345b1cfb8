// Package sync contains the synchronization engine that keeps a slave's
// business tables consistent with its master.
//
// # Cycle
//
// Engine.RunCycle processes every table of the registry in priority order
// (high, medium, low; declaration order breaks ties). For each table it:
//
//   - pulls at most one batch of changes above the table's pull watermark
//   - resolves every change against the local row with the table's strategy
//     and writes the decisions in a single row-store transaction
//   - advances the pull watermark to the highest applied peer sequence
//   - pushes local changes originating from this instance above the push
//     watermark and advances it to the acknowledged cursor
//
// A table that fails is recorded in the status store and the cycle moves on
// to the next table. A watermark only moves after the batch it covers is
// durably applied, so a failed table retries the same batch next time.
//
// # Concurrency
//
// One cycle runs at a time. The engine and the recovery manager share a
// non-blocking lock; a cycle requested while another holds it returns a
// result with Running set instead of waiting.
//
// # Subpackages
//
//   - state: durable per-table watermarks, failure counters and cycle state
//   - recovery: staleness and failure detection, full resync
//   - coordinator: interval ticker and startup cycle
package sync
