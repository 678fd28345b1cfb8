// Package service provides the business logic behind the Sync API
package service

import (
	"context"
	"errors"

	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/status"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/sync/state"
	"github.com/stacklok/pos-sync/internal/wire"
)

var (
	// ErrTableNotFound is returned when a table is not registered
	ErrTableNotFound = state.ErrTableNotFound
	// ErrInvalidRequest is returned when request parameters or rows are malformed
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotAvailable is returned for operations this instance's role does not support
	ErrNotAvailable = errors.New("operation not available on this instance")
	// ErrCycleRunning is returned when a cycle or recovery holds the cycle lock
	ErrCycleRunning = syncengine.ErrCycleRunning
	// ErrBatchNotFound is returned when a transfer batch id is unknown
	ErrBatchNotFound = rowstore.ErrBatchNotFound
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go SyncService

// SyncService defines the operations exposed by the Sync API
type SyncService interface {
	// CheckReadiness checks that the row store is reachable
	CheckReadiness(ctx context.Context) error

	// Role returns the role of this instance
	Role() rows.Role

	// ListTables returns the registered tables in priority order
	ListTables(ctx context.Context) []string

	// Status returns the sync status snapshot
	Status(ctx context.Context) (*status.SyncStatus, error)

	// TableStatus returns the sync status of one table
	TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error)

	// Pull returns rows changed after since, capped at the batch size
	Pull(ctx context.Context, table string, since int64, limit int) (*wire.PullResponse, error)

	// Push applies a peer's changes with the table's strategy
	Push(ctx context.Context, table string, changes []rows.RowChange) (*wire.PushResponse, error)

	// Reset clears the sync state of one table, or of every table when empty
	Reset(ctx context.Context, table string) ([]string, error)

	// FullSync runs a full resync from the peer
	FullSync(ctx context.Context) (*recovery.Result, error)

	// RunCycle runs one sync cycle immediately
	RunCycle(ctx context.Context) (*status.CycleResult, error)

	// Upload applies an out-of-band batch, once per batch id
	Upload(ctx context.Context, req *wire.UploadRequest) (*wire.UploadResponse, error)

	// Download hands out an out-of-band batch under a fresh batch id
	Download(ctx context.Context, table string, cursor int64, limit int) (*wire.DownloadResponse, error)

	// Acknowledge marks a downloaded batch as received
	Acknowledge(ctx context.Context, batchID string) (*wire.AcknowledgeResponse, error)
}

// Recoverer performs a full resync
type Recoverer interface {
	Recover(ctx context.Context) *recovery.Result
}
