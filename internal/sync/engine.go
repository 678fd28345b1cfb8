package sync

import (
	"context"
	"errors"
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

// TracerName is the instrumentation scope of engine spans
const TracerName = "github.com/stacklok/pos-sync/sync"

// DefaultBatchSize caps the rows transferred per table and phase when unset
const DefaultBatchSize = 500

// Messages recorded in the cycle result
const (
	// MessagePushNotAttempted marks the push phase of a table whose pull failed
	MessagePushNotAttempted = "not attempted: pull failed"
)

var (
	// ErrCycleRunning is returned when another cycle or recovery holds the cycle lock
	ErrCycleRunning = errors.New("sync cycle already running")

	// ErrNoPeer is returned by RunCycle on an instance without a configured peer
	ErrNoPeer = errors.New("no peer configured")
)

// Phase names the step of a table sync that failed
type Phase string

const (
	// PhasePull is fetching changes from the peer
	PhasePull Phase = "pull"
	// PhaseApply is resolving and writing pulled changes
	PhaseApply Phase = "apply"
	// PhasePush is submitting local changes to the peer
	PhasePush Phase = "push"
	// PhaseRecovery is a full resync
	PhaseRecovery Phase = "recovery"
)

// Error is a table failure with the phase it happened in
type Error struct {
	Err     error
	Message string
	Table   string
	Phase   Phase
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(table string, phase Phase, format string, err error) *Error {
	return &Error{
		Err:     err,
		Message: fmt.Sprintf(format+": %v", err),
		Table:   table,
		Phase:   phase,
	}
}

// Controller runs and resets sync cycles
//
//go:generate mockgen -destination=mocks/mock_controller.go -package=mocks github.com/stacklok/pos-sync/internal/sync Controller
type Controller interface {
	// RunCycle performs one pull/push pass over every registered table.
	// When another cycle holds the lock it returns a result with Running
	// set together with ErrCycleRunning. Table failures are reported in
	// the result, never as an error.
	RunCycle(ctx context.Context) (*status.CycleResult, error)

	// Reset clears the sync state of one table, or of every table when
	// table is empty. It fails with ErrCycleRunning while a cycle runs.
	Reset(ctx context.Context, table string) ([]string, error)
}

// Engine is the default Controller
type Engine struct {
	registry *registry.Registry
	rows     rowstore.Store
	state    state.Store
	peer     transport.Peer
	lock     lock.Locker
	role     rows.Role

	batchSize     int
	cycleDeadline time.Duration
	metrics       *telemetry.SyncMetrics
	tracer        trace.Tracer
	now           func() time.Time
}

var _ Controller = (*Engine)(nil)

// Option configures an Engine
type Option func(*Engine)

// WithBatchSize caps the rows transferred per table and phase
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithCycleDeadline stops a cycle from starting new tables once d has elapsed
func WithCycleDeadline(d time.Duration) Option {
	return func(e *Engine) {
		e.cycleDeadline = d
	}
}

// WithSyncMetrics sets the sync metrics
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTracerProvider enables cycle and table spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates the sync engine of one instance
func NewEngine(
	reg *registry.Registry,
	rowStore rowstore.Store,
	stateStore state.Store,
	peer transport.Peer,
	cycleLock lock.Locker,
	role rows.Role,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:  reg,
		rows:      rowStore,
		state:     stateStore,
		peer:      peer,
		lock:      cycleLock,
		role:      role,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCycle implements Controller
func (e *Engine) RunCycle(ctx context.Context) (*status.CycleResult, error) {
	if e.peer == nil {
		return nil, ErrNoPeer
	}

	acquired, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		slog.Info("Sync cycle already running, skipping")
		return &status.CycleResult{Running: true}, ErrCycleRunning
	}
	defer func() {
		if err := e.lock.Unlock(); err != nil {
			slog.Error("Failed to release cycle lock", "error", err)
		}
	}()

	ctx, span := otel.StartSpan(ctx, e.tracer, "sync.RunCycle",
		trace.WithAttributes(otel.AttrRole.String(string(e.role))))
	defer span.End()

	start := e.now()
	result := &status.CycleResult{
		StartedAt: start,
		Pull:      status.NewPhaseResult(),
		Push:      status.NewPhaseResult(),
	}

	var deadline time.Time
	if e.cycleDeadline > 0 {
		deadline = start.Add(e.cycleDeadline)
	}

	slog.Info("Starting sync cycle", "role", e.role, "tables", e.registry.Len())

	tables := e.registry.Tables()
	for i, desc := range tables {
		if reason := e.stopReason(ctx, deadline); reason != "" {
			for _, rest := range tables[i:] {
				result.Skipped = append(result.Skipped, rest.Name)
			}
			slog.Warn("Stopping sync cycle early",
				"reason", reason,
				"skipped", result.Skipped)
			break
		}
		e.syncTable(ctx, desc, result)
	}

	result.FinishedAt = e.now()

	// The outcome is recorded even when the caller's context is gone
	if err := e.state.RecordCycleResult(context.WithoutCancel(ctx), result); err != nil {
		slog.Error("Failed to record cycle result", "error", err)
		otel.RecordError(span, err)
	}

	duration := result.FinishedAt.Sub(start)
	e.metrics.RecordCycleDuration(ctx, duration, result.Success())

	if result.Success() {
		slog.Info("Sync cycle completed",
			"duration", duration,
			"skipped", len(result.Skipped))
	} else {
		slog.Warn("Sync cycle completed with failures",
			"duration", duration,
			"failed_tables", result.FailedTables(),
			"skipped", len(result.Skipped))
	}

	return result, nil
}

// Reset implements Controller
func (e *Engine) Reset(ctx context.Context, table string) ([]string, error) {
	if table != "" && !e.registry.Contains(table) {
		return nil, fmt.Errorf("%w: %s", state.ErrTableNotFound, table)
	}

	acquired, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		return nil, ErrCycleRunning
	}
	defer func() {
		if err := e.lock.Unlock(); err != nil {
			slog.Error("Failed to release cycle lock", "error", err)
		}
	}()

	if err := e.state.Reset(ctx, table); err != nil {
		return nil, err
	}

	tables := []string{table}
	if table == "" {
		tables = e.registry.Names()
	}
	slog.Info("Sync state reset", "tables", tables)
	return tables, nil
}

func (e *Engine) stopReason(ctx context.Context, deadline time.Time) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	if !deadline.IsZero() && !e.now().Before(deadline) {
		return "cycle deadline exceeded"
	}
	return ""
}

// syncTable pulls then pushes one table and records both outcomes
func (e *Engine) syncTable(ctx context.Context, desc registry.TableDescriptor, result *status.CycleResult) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "sync.Table",
		trace.WithAttributes(
			otel.AttrTable.String(desc.Name),
			otel.AttrStrategy.String(string(desc.Strategy)),
		))
	defer span.End()

	pull, err := e.pullTable(ctx, desc)
	result.Pull.Record(desc.Name, pull)
	if err != nil {
		e.tableFailed(ctx, err, pull.Attempts)
		otel.RecordError(span, err)
		result.Push.Record(desc.Name, status.TableResult{Error: MessagePushNotAttempted})
		return
	}

	push, err := e.pushTable(ctx, desc)
	result.Push.Record(desc.Name, push)
	if err != nil {
		e.tableFailed(ctx, err, push.Attempts)
		otel.RecordError(span, err)
	}
}

func (e *Engine) tableFailed(ctx context.Context, err *Error, attempts int) {
	slog.Error("Table sync failed",
		"table", err.Table,
		"phase", err.Phase,
		"attempts", attempts,
		"error", err.Err)
	e.metrics.RecordTableFailure(ctx, err.Table, string(err.Phase))
}

// pullTable fetches one batch above the pull watermark, applies it in one
// row-store transaction and only then advances the watermark
func (e *Engine) pullTable(ctx context.Context, desc registry.TableDescriptor) (status.TableResult, *Error) {
	table := desc.Name

	current, err := e.state.TableStatus(ctx, table)
	if err != nil {
		return failed(newError(table, PhasePull, "failed to read sync state", err), 0)
	}
	since := current.Pull.Cursor

	e.setPhase(ctx, table, status.TablePhasePulling)

	resp, err := e.peer.Pull(ctx, table, since, e.batchSize)
	if err != nil {
		return failed(newError(table, PhasePull, "pull failed", err), transport.Attempts(err))
	}
	for _, change := range resp.Changes {
		if err := change.Validate(table); err != nil {
			return failed(newError(table, PhasePull, "peer sent an invalid change", err), 0)
		}
	}

	e.setPhase(ctx, table, status.TablePhaseApplying)

	applied, err := e.rows.Apply(ctx, rowstore.ApplyRequest{
		Table:   table,
		Changes: resp.Changes,
		Decide:  decider(desc.Strategy, resolver.Options{LocalRole: e.role}),
	})
	if err != nil {
		e.flagCorruption(ctx, err)
		return failed(newError(table, PhaseApply, "apply failed", err), 0)
	}

	cursor := rows.MaxSeq(resp.Changes, since)
	if cursor > since {
		if err := e.advance(ctx, table, status.DirectionPull, cursor); err != nil {
			return failed(newError(table, PhaseApply, "failed to persist pull watermark", err), 0)
		}
	}

	e.metrics.RecordRowsApplied(ctx, table, applied.Applied)
	if len(resp.Changes) > 0 {
		slog.Debug("Pulled changes",
			"table", table,
			"rows", len(resp.Changes),
			"applied", applied.Applied,
			"skipped", applied.Skipped,
			"cursor", cursor,
			"has_more", resp.HasMore)
	}

	return status.TableResult{
		Success: true,
		Rows:    len(resp.Changes),
		Applied: applied.Applied,
		Skipped: applied.Skipped,
		Cursor:  cursor,
	}, nil
}

// pushTable submits local rows above the push watermark that originate from
// this instance and advances the watermark to the acknowledged cursor
func (e *Engine) pushTable(ctx context.Context, desc registry.TableDescriptor) (status.TableResult, *Error) {
	table := desc.Name

	current, err := e.state.TableStatus(ctx, table)
	if err != nil {
		return failed(newError(table, PhasePush, "failed to read sync state", err), 0)
	}
	since := current.Push.Cursor

	e.setPhase(ctx, table, status.TablePhasePushing)

	local, err := e.rows.ChangesSince(ctx, table, since, e.batchSize, e.role)
	if err != nil {
		e.flagCorruption(ctx, err)
		return failed(newError(table, PhasePush, "failed to read local changes", err), 0)
	}
	if len(local) == 0 {
		return status.TableResult{Success: true, Cursor: since}, nil
	}

	changes := rows.Changes(local)
	resp, err := e.peer.Push(ctx, table, changes)
	if err != nil {
		return failed(newError(table, PhasePush, "push failed", err), transport.Attempts(err))
	}

	reconciled, rerr := e.applyKept(ctx, desc, resp.Kept)
	if rerr != nil {
		return failed(rerr, 0)
	}

	sent := rows.MaxSeq(changes, since)
	cursor := min(resp.Cursor, sent)
	if cursor > since {
		if err := e.advance(ctx, table, status.DirectionPush, cursor); err != nil {
			return failed(newError(table, PhasePush, "failed to persist push watermark", err), 0)
		}
	}

	e.metrics.RecordRowsPushed(ctx, table, len(changes))
	slog.Debug("Pushed changes",
		"table", table,
		"rows", len(changes),
		"peer_applied", resp.Applied,
		"peer_kept", len(resp.Kept),
		"reconciled", reconciled,
		"cursor", cursor)

	return status.TableResult{
		Success: true,
		Rows:    len(changes),
		Applied: resp.Applied,
		Skipped: resp.Skipped,
		Cursor:  max(cursor, since),
	}, nil
}

// applyKept resolves the peer's versions of rejected pushed rows against the
// local store. The pull watermark is left alone.
func (e *Engine) applyKept(ctx context.Context, desc registry.TableDescriptor, kept []rows.RowChange) (int, *Error) {
	if len(kept) == 0 {
		return 0, nil
	}
	for _, change := range kept {
		if err := change.Validate(desc.Name); err != nil {
			return 0, newError(desc.Name, PhasePush, "peer sent an invalid kept row", err)
		}
	}

	applied, err := e.rows.Apply(ctx, rowstore.ApplyRequest{
		Table:   desc.Name,
		Changes: kept,
		Decide:  decider(desc.Strategy, resolver.Options{LocalRole: e.role}),
	})
	if err != nil {
		e.flagCorruption(ctx, err)
		return 0, newError(desc.Name, PhaseApply, "failed to apply rows kept by peer", err)
	}
	e.metrics.RecordRowsApplied(ctx, desc.Name, applied.Applied)
	return applied.Applied, nil
}

func (e *Engine) advance(ctx context.Context, table string, dir status.Direction, cursor int64) error {
	at := e.now()
	_, err := e.state.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
		return s.Watermark(dir).Advance(cursor, at)
	})
	if err != nil {
		return err
	}
	e.metrics.RecordWatermark(ctx, table, string(dir), cursor)
	return nil
}

// setPhase records progress for operators. A failure here does not stop
// the table, the final outcome is written by RecordCycleResult.
func (e *Engine) setPhase(ctx context.Context, table string, phase status.TablePhase) {
	_, err := e.state.UpdateTableAtomically(ctx, table, func(s *status.TableSyncStatus) bool {
		if s.Phase == phase {
			return false
		}
		s.Phase = phase
		return true
	})
	if err != nil {
		slog.Warn("Failed to record table phase", "table", table, "phase", phase, "error", err)
	}
}

// flagCorruption marks the store as corrupted so the next recovery check
// triggers a full resync
func (e *Engine) flagCorruption(ctx context.Context, err error) {
	if !errors.Is(err, rowstore.ErrCorruptRow) {
		return
	}
	_, uerr := e.state.UpdateMetaAtomically(ctx, func(m *status.CycleMeta) bool {
		if m.Recovery.Corrupted {
			return false
		}
		m.Recovery.Corrupted = true
		return true
	})
	if uerr != nil {
		slog.Error("Failed to flag corrupted row store", "error", uerr)
	}
}

func decider(strategy registry.Strategy, opts resolver.Options) rowstore.DecideFunc {
	return func(local, remote *rows.Row) resolver.Decision {
		return resolver.Resolve(local, remote, strategy, opts)
	}
}

func failed(err *Error, attempts int) (status.TableResult, *Error) {
	return status.TableResult{Error: err.Message, Attempts: attempts}, err
}
