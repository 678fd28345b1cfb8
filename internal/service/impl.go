package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/pos-sync/internal/otel"
	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/resolver"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/status"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/sync/state"
	"github.com/stacklok/pos-sync/internal/wire"
)

// ServiceTracerName is the instrumentation scope of service spans
const ServiceTracerName = "github.com/stacklok/pos-sync/service"

// syncSvc implements SyncService on top of the local stores and engine
type syncSvc struct {
	registry   *registry.Registry
	rows       rowstore.Store
	state      state.Store
	controller syncengine.Controller
	recoverer  Recoverer
	role       rows.Role

	batchSize int
	tracer    trace.Tracer
	now       func() time.Time
}

var _ SyncService = (*syncSvc)(nil)

// Option is a functional option for configuring the service
type Option func(*syncSvc)

// WithBatchSize caps the rows returned by Pull and Download
func WithBatchSize(n int) Option {
	return func(s *syncSvc) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRecoverer enables FullSync. Only slaves are given one.
func WithRecoverer(r Recoverer) Option {
	return func(s *syncSvc) {
		s.recoverer = r
	}
}

// WithTracerProvider enables service spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *syncSvc) {
		if tp != nil {
			s.tracer = tp.Tracer(ServiceTracerName)
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *syncSvc) {
		s.now = now
	}
}

// New creates the sync service of one instance
func New(
	reg *registry.Registry,
	rowStore rowstore.Store,
	stateStore state.Store,
	controller syncengine.Controller,
	role rows.Role,
	opts ...Option,
) (SyncService, error) {
	if reg == nil {
		return nil, fmt.Errorf("table registry is required")
	}
	if rowStore == nil {
		return nil, fmt.Errorf("row store is required")
	}
	if stateStore == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if controller == nil {
		return nil, fmt.Errorf("sync controller is required")
	}

	s := &syncSvc{
		registry:   reg,
		rows:       rowStore,
		state:      stateStore,
		controller: controller,
		role:       role,
		batchSize:  syncengine.DefaultBatchSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckReadiness implements SyncService.CheckReadiness
func (s *syncSvc) CheckReadiness(ctx context.Context) error {
	if err := s.rows.Ping(ctx); err != nil {
		return fmt.Errorf("row store not reachable: %w", err)
	}
	return nil
}

// Role implements SyncService.Role
func (s *syncSvc) Role() rows.Role {
	return s.role
}

// ListTables implements SyncService.ListTables
func (s *syncSvc) ListTables(_ context.Context) []string {
	return s.registry.Names()
}

// Status implements SyncService.Status
func (s *syncSvc) Status(ctx context.Context) (*status.SyncStatus, error) {
	return s.state.Status(ctx)
}

// TableStatus implements SyncService.TableStatus
func (s *syncSvc) TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	return s.state.TableStatus(ctx, table)
}

// Pull implements SyncService.Pull. Rows of every origin are returned; the
// requester's resolver turns echoes of its own rows into no-ops.
func (s *syncSvc) Pull(ctx context.Context, table string, since int64, limit int) (*wire.PullResponse, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "service.Pull",
		trace.WithAttributes(
			otel.AttrTable.String(table),
			otel.AttrCursor.Int64(since),
		))
	defer span.End()

	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: cursor must not be negative", ErrInvalidRequest)
	}

	page, hasMore, err := s.page(ctx, table, since, limit)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	changes := rows.Changes(page)
	span.SetAttributes(otel.AttrRows.Int(len(changes)))

	return &wire.PullResponse{
		Table:   table,
		Changes: changes,
		Cursor:  rows.MaxSeq(changes, since),
		HasMore: hasMore,
	}, nil
}

// Push implements SyncService.Push
func (s *syncSvc) Push(ctx context.Context, table string, changes []rows.RowChange) (*wire.PushResponse, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "service.Push",
		trace.WithAttributes(
			otel.AttrTable.String(table),
			otel.AttrRows.Int(len(changes)),
		))
	defer span.End()

	desc, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if err := validateChanges(table, changes); err != nil {
		return nil, err
	}

	result, err := s.rows.Apply(ctx, rowstore.ApplyRequest{
		Table:   table,
		Changes: changes,
		Decide:  s.decider(desc),
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to apply pushed changes: %w", err)
	}

	slog.Debug("Applied pushed changes",
		"table", table,
		"rows", len(changes),
		"applied", result.Applied,
		"skipped", result.Skipped,
		"kept", len(result.Kept))

	return &wire.PushResponse{
		Table:   table,
		Applied: result.Applied,
		Skipped: result.Skipped,
		Cursor:  result.Cursor,
		Kept:    rows.Changes(result.Kept),
	}, nil
}

// Reset implements SyncService.Reset
func (s *syncSvc) Reset(ctx context.Context, table string) ([]string, error) {
	if table != "" {
		if err := s.checkTable(table); err != nil {
			return nil, err
		}
	}
	return s.controller.Reset(ctx, table)
}

// FullSync implements SyncService.FullSync
func (s *syncSvc) FullSync(ctx context.Context) (*recovery.Result, error) {
	if s.role != rows.RoleSlave || s.recoverer == nil {
		return nil, fmt.Errorf("%w: full resync runs on a slave", ErrNotAvailable)
	}

	result := s.recoverer.Recover(ctx)
	if result.Running {
		return result, ErrCycleRunning
	}
	return result, nil
}

// RunCycle implements SyncService.RunCycle
func (s *syncSvc) RunCycle(ctx context.Context) (*status.CycleResult, error) {
	if s.role != rows.RoleSlave {
		return nil, fmt.Errorf("%w: sync cycles run on a slave", ErrNotAvailable)
	}
	return s.controller.RunCycle(ctx)
}

// Upload implements SyncService.Upload
func (s *syncSvc) Upload(ctx context.Context, req *wire.UploadRequest) (*wire.UploadResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidRequest)
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "service.Upload",
		trace.WithAttributes(
			otel.AttrTable.String(req.Table),
			otel.AttrBatchID.String(req.BatchID),
			otel.AttrRows.Int(len(req.Changes)),
		))
	defer span.End()

	if _, err := uuid.Parse(req.BatchID); err != nil {
		return nil, fmt.Errorf("%w: batch id %q is not a UUID", ErrInvalidRequest, req.BatchID)
	}
	desc, err := s.lookup(req.Table)
	if err != nil {
		return nil, err
	}
	if err := validateChanges(req.Table, req.Changes); err != nil {
		return nil, err
	}

	result, err := s.rows.Apply(ctx, rowstore.ApplyRequest{
		Table:   req.Table,
		Changes: req.Changes,
		Decide:  s.decider(desc),
		Batch: &rowstore.Batch{
			ID:        req.BatchID,
			Direction: rowstore.DirectionUpload,
			CreatedAt: s.now(),
		},
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to apply uploaded batch: %w", err)
	}

	if result.Duplicate {
		slog.Info("Ignoring already applied batch", "batch_id", req.BatchID, "table", req.Table)
	} else {
		slog.Info("Applied uploaded batch",
			"batch_id", req.BatchID,
			"table", req.Table,
			"applied", result.Applied,
			"skipped", result.Skipped)
	}

	return &wire.UploadResponse{
		BatchID:   req.BatchID,
		Table:     req.Table,
		Applied:   result.Applied,
		Skipped:   result.Skipped,
		Cursor:    result.Cursor,
		Duplicate: result.Duplicate,
	}, nil
}

// Download implements SyncService.Download
func (s *syncSvc) Download(ctx context.Context, table string, cursor int64, limit int) (*wire.DownloadResponse, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "service.Download",
		trace.WithAttributes(
			otel.AttrTable.String(table),
			otel.AttrCursor.Int64(cursor),
		))
	defer span.End()

	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	if cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must not be negative", ErrInvalidRequest)
	}

	page, hasMore, err := s.page(ctx, table, cursor, limit)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	changes := rows.Changes(page)

	batch := &rowstore.Batch{
		ID:        uuid.NewString(),
		Table:     table,
		Direction: rowstore.DirectionDownload,
		Cursor:    rows.MaxSeq(changes, cursor),
		RowCount:  len(changes),
		CreatedAt: s.now(),
	}
	if err := s.rows.RecordBatch(ctx, batch); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to record batch: %w", err)
	}
	span.SetAttributes(otel.AttrBatchID.String(batch.ID), otel.AttrRows.Int(len(changes)))

	return &wire.DownloadResponse{
		BatchID: batch.ID,
		Table:   table,
		Changes: changes,
		Cursor:  batch.Cursor,
		HasMore: hasMore,
	}, nil
}

// Acknowledge implements SyncService.Acknowledge
func (s *syncSvc) Acknowledge(ctx context.Context, batchID string) (*wire.AcknowledgeResponse, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", ErrInvalidRequest)
	}

	batch, err := s.rows.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Direction != rowstore.DirectionDownload {
		return nil, fmt.Errorf("%w: batch %s was not downloaded from this instance", ErrInvalidRequest, batchID)
	}

	batch, err = s.rows.AcknowledgeBatch(ctx, batchID, s.now())
	if err != nil {
		return nil, err
	}

	resp := &wire.AcknowledgeResponse{
		BatchID: batch.ID,
		Table:   batch.Table,
		Cursor:  batch.Cursor,
	}
	if batch.AcknowledgedAt != nil {
		resp.AcknowledgedAt = *batch.AcknowledgedAt
	}
	return resp, nil
}

// page reads up to limit rows after since and reports whether more follow
func (s *syncSvc) page(ctx context.Context, table string, since int64, limit int) ([]*rows.Row, bool, error) {
	if limit <= 0 || limit > s.batchSize {
		limit = s.batchSize
	}

	found, err := s.rows.ChangesSince(ctx, table, since, limit+1, "")
	if err != nil {
		return nil, false, fmt.Errorf("failed to read changes: %w", err)
	}
	if len(found) > limit {
		return found[:limit], true, nil
	}
	return found, false, nil
}

func (s *syncSvc) decider(desc registry.TableDescriptor) rowstore.DecideFunc {
	opts := resolver.Options{LocalRole: s.role}
	return func(local, remote *rows.Row) resolver.Decision {
		return resolver.Resolve(local, remote, desc.Strategy, opts)
	}
}

func (s *syncSvc) lookup(table string) (registry.TableDescriptor, error) {
	desc, ok := s.registry.Lookup(table)
	if !ok {
		return registry.TableDescriptor{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return desc, nil
}

func (s *syncSvc) checkTable(table string) error {
	_, err := s.lookup(table)
	return err
}

func validateChanges(table string, changes []rows.RowChange) error {
	var errs []error
	for _, c := range changes {
		if err := c.Validate(table); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}
