// Package recovery detects a slave that has drifted from its master and
// heals it with a full resync of every registered table.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/pos-sync/internal/lock"
	"github.com/stacklok/pos-sync/internal/otel"
	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/resolver"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/internal/sync/state"
	"github.com/stacklok/pos-sync/internal/telemetry"
	"github.com/stacklok/pos-sync/internal/transport"
)

// TracerName is the instrumentation scope of recovery spans
const TracerName = "github.com/stacklok/pos-sync/recovery"

const (
	// DefaultFailureThreshold is the number of consecutive failures a table
	// may accumulate before recovery is needed
	DefaultFailureThreshold = 3

	// DefaultStalenessThreshold is how long a table may go without a
	// successful pull or push before recovery is needed
	DefaultStalenessThreshold = 24 * time.Hour

	// defaultPageSize is used when no batch size is configured
	defaultPageSize = 500
)

// Reasons returned by NeedsRecovery
const (
	ReasonCorrupted = "row store flagged as corrupted"
	ReasonFailures  = "consecutive failures above threshold"
	ReasonStale     = "no successful sync within staleness threshold"
)

// Result describes a recovery attempt
type Result struct {
	// Running is set when a cycle or another recovery held the lock
	Running bool `json:"running,omitempty"`

	Success   bool              `json:"success"`
	Recovered []string          `json:"recovered,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
}

// Message summarizes the result for operators
func (r *Result) Message() string {
	switch {
	case r.Running:
		return "a sync cycle or recovery is already running"
	case r.Success:
		return fmt.Sprintf("recovered %d table(s)", len(r.Recovered))
	default:
		return fmt.Sprintf("recovery failed for %d table(s)", len(r.Failed))
	}
}

// Manager decides when a full resync is needed and performs it
type Manager struct {
	registry *registry.Registry
	rows     rowstore.Store
	state    state.Store
	peer     transport.Peer
	lock     lock.Locker
	role     rows.Role

	pageSize           int
	failureThreshold   int
	stalenessThreshold time.Duration
	metrics            *telemetry.SyncMetrics
	tracer             trace.Tracer
	now                func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithPageSize sets how many rows are requested per page
func WithPageSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithFailureThreshold sets the consecutive failure threshold
func WithFailureThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// WithStalenessThreshold sets the staleness threshold
func WithStalenessThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stalenessThreshold = d
		}
	}
}

// WithSyncMetrics sets the sync metrics
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracerProvider enables recovery spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a recovery manager. It shares the cycle lock with the engine.
func New(
	reg *registry.Registry,
	rowStore rowstore.Store,
	stateStore state.Store,
	peer transport.Peer,
	cycleLock lock.Locker,
	role rows.Role,
	opts ...Option,
) *Manager {
	m := &Manager{
		registry:           reg,
		rows:               rowStore,
		state:              stateStore,
		peer:               peer,
		lock:               cycleLock,
		role:               role,
		pageSize:           defaultPageSize,
		failureThreshold:   DefaultFailureThreshold,
		stalenessThreshold: DefaultStalenessThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NeedsRecovery reports whether a full resync is due and why. A status that
// cannot be read is reported as not needing recovery; the next check retries.
func (m *Manager) NeedsRecovery(ctx context.Context) (bool, string) {
	snapshot, err := m.state.Status(ctx)
	if err != nil {
		slog.Error("Failed to read sync status for recovery check", "error", err)
		return false, ""
	}

	if snapshot.Recovery.Corrupted {
		return true, ReasonCorrupted
	}

	now := m.now()
	for _, t := range snapshot.Tables {
		if t.ConsecutiveFailures > m.failureThreshold {
			return true, fmt.Sprintf("%s: table %s failed %d times", ReasonFailures, t.Table, t.ConsecutiveFailures)
		}
		if last := t.LastSuccessAt(); last != nil && now.Sub(*last) > m.stalenessThreshold {
			return true, fmt.Sprintf("%s: table %s last synced %s ago",
				ReasonStale, t.Table, now.Sub(*last).Truncate(time.Second))
		}
	}
	return false, ""
}

// PerformRecovery runs a full resync and reports whether every table recovered
func (m *Manager) PerformRecovery(ctx context.Context) bool {
	return m.Recover(ctx).Success
}

// Recover runs a full resync under the cycle lock. For every table in
// priority order it pages through the peer's complete row set, applies it
// with the table's strategy and the peer winning ties, and then sets the
// pull watermark to the highest cursor seen. A failing table does not stop
// the others. Errors are reported in the result, never returned.
func (m *Manager) Recover(ctx context.Context) *Result {
	start := m.now()
	result := &Result{StartedAt: start, Failed: make(map[string]string)}

	acquired, err := m.lock.TryLock()
	if err != nil {
		slog.Error("Failed to acquire cycle lock for recovery", "error", err)
		result.Failed[""] = err.Error()
		m.recordMeta(ctx, result, err.Error())
		return result
	}
	if !acquired {
		slog.Info("Recovery skipped, a cycle is running")
		result.Running = true
		return result
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			slog.Error("Failed to release cycle lock", "error", err)
		}
	}()

	ctx, span := otel.StartSpan(ctx, m.tracer, "recovery.Recover",
		trace.WithAttributes(otel.AttrRole.String(string(m.role))))
	defer span.End()

	slog.Info("Starting full resync", "tables", m.registry.Len())

	for _, desc := range m.registry.Tables() {
		if err := m.recoverTable(ctx, desc); err != nil {
			slog.Error("Table recovery failed",
				"table", desc.Name,
				"phase", "recovery",
				"attempts", transport.Attempts(err),
				"error", err)
			result.Failed[desc.Name] = err.Error()
			m.metrics.RecordTableFailure(ctx, desc.Name, "recovery")
			continue
		}
		result.Recovered = append(result.Recovered, desc.Name)
	}

	result.Success = len(result.Failed) == 0
	result.Duration = m.now().Sub(start)

	lastError := ""
	if !result.Success {
		lastError = result.Message()
		otel.RecordError(span, fmt.Errorf("%s", lastError))
	}
	m.recordMeta(ctx, result, lastError)
	m.metrics.RecordRecovery(ctx, result.Success)

	slog.Info("Full resync finished",
		"success", result.Success,
		"recovered", len(result.Recovered),
		"failed", len(result.Failed),
		"duration", result.Duration)

	return result
}

func (m *Manager) recoverTable(ctx context.Context, desc registry.TableDescriptor) error {
	table := desc.Name

	ctx, span := otel.StartSpan(ctx, m.tracer, "recovery.Table",
		trace.WithAttributes(otel.AttrTable.String(table)))
	defer span.End()

	if _, err := m.state.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
		s.Phase = status.TablePhaseRecovery
		return true
	}); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to mark table in recovery: %w", err)
	}

	decide := func(local, remote *rows.Row) resolver.Decision {
		return resolver.Resolve(local, remote, desc.Strategy, resolver.Options{
			PreferRemoteOnTie: true,
			LocalRole:         m.role,
		})
	}

	cursor, err := m.pullAll(ctx, table, decide)
	if err != nil {
		m.markFailed(ctx, table, err)
		otel.RecordError(span, err)
		return err
	}

	at := m.now()
	_, err = m.state.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
		s.Pull.Cursor = cursor
		s.Pull.UpdatedAt = &at
		s.LastPullAt = &at
		s.MarkSucceeded(at)
		return true
	})
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to persist recovered watermark: %w", err)
	}
	m.metrics.RecordWatermark(ctx, table, string(status.DirectionPull), cursor)
	span.SetAttributes(otel.AttrCursor.Int64(cursor))
	return nil
}

// pullAll pages through the peer's rows from the beginning and applies every
// page in its own transaction. It returns the highest peer cursor applied.
func (m *Manager) pullAll(ctx context.Context, table string, decide rowstore.DecideFunc) (int64, error) {
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		resp, err := m.peer.Pull(ctx, table, cursor, m.pageSize)
		if err != nil {
			return cursor, fmt.Errorf("pull from cursor %d failed: %w", cursor, err)
		}
		for _, change := range resp.Changes {
			if err := change.Validate(table); err != nil {
				return cursor, fmt.Errorf("peer sent an invalid change: %w", err)
			}
		}
		if len(resp.Changes) == 0 {
			return cursor, nil
		}

		applied, err := m.rows.Apply(ctx, rowstore.ApplyRequest{
			Table:   table,
			Changes: resp.Changes,
			Decide:  decide,
		})
		if err != nil {
			return cursor, fmt.Errorf("apply failed: %w", err)
		}
		m.metrics.RecordRowsApplied(ctx, table, applied.Applied)

		next := rows.MaxSeq(resp.Changes, cursor)
		if next <= cursor || !resp.HasMore {
			return next, nil
		}
		cursor = next
	}
}

func (m *Manager) markFailed(ctx context.Context, table string, cause error) {
	at := m.now()
	_, err := m.state.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
		s.MarkFailed(cause.Error(), at)
		return true
	})
	if err != nil {
		slog.Error("Failed to record table recovery failure", "table", table, "error", err)
	}
}

func (m *Manager) recordMeta(ctx context.Context, result *Result, lastError string) {
	at := m.now()
	_, err := m.state.UpdateMetaAtomically(ctx, func(meta *status.CycleMeta) bool {
		meta.Recovery.LastAttemptAt = &at
		meta.Recovery.LastError = lastError
		if result.Success {
			meta.Recovery.LastRecoveryAt = &at
			meta.Recovery.DivergenceScore = 0
			meta.Recovery.Corrupted = false
		}
		return true
	})
	if err != nil {
		slog.Error("Failed to record recovery state", "error", err)
	}
}
