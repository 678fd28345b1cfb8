// Package rowstore persists the synchronized business rows of one instance.
//
// Rows of every registered table live in a single generic table keyed by
// (table, key). Every write takes the next per-table sequence number inside
// its own transaction, so sequence numbers follow commit order and serve as
// the cursor peers pull from.
package rowstore

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/pos-sync/internal/resolver"
	"github.com/stacklok/pos-sync/internal/rows"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

var (
	// ErrRowNotFound is returned when a row does not exist
	ErrRowNotFound = errors.New("row not found")

	// ErrBatchNotFound is returned when a transfer batch id is unknown
	ErrBatchNotFound = errors.New("batch not found")

	// ErrCorruptRow is returned when a stored row cannot be decoded
	ErrCorruptRow = errors.New("corrupt row")
)

// Direction of an out-of-band batch transfer
type Direction string

const (
	// DirectionUpload is a batch received from a peer
	DirectionUpload Direction = "upload"

	// DirectionDownload is a batch handed out to a peer
	DirectionDownload Direction = "download"
)

// Batch is a transfer ledger entry
type Batch struct {
	ID             string     `json:"id"`
	Table          string     `json:"table"`
	Direction      Direction  `json:"direction"`
	Cursor         int64      `json:"cursor"`
	RowCount       int        `json:"rowCount"`
	Acknowledged   bool       `json:"acknowledged"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// DecideFunc resolves a local row (nil when absent) against a remote one
type DecideFunc func(local, remote *rows.Row) resolver.Decision

// ApplyRequest describes a batch of remote changes to apply atomically
type ApplyRequest struct {
	Table   string
	Changes []rows.RowChange
	Decide  DecideFunc

	// Batch, when set, is recorded in the transfer ledger in the same
	// transaction. A batch id that is already recorded makes the request a
	// no-op reported as Duplicate.
	Batch *Batch
}

// ApplyResult summarizes an applied batch
type ApplyResult struct {
	Applied   int   `json:"applied"`
	Skipped   int   `json:"skipped"`
	Cursor    int64 `json:"cursor"`
	Duplicate bool  `json:"duplicate,omitempty"`

	// Kept holds the local rows that survived resolution against a
	// different incoming change
	Kept []*rows.Row `json:"-"`
}

// Store is the local business row store
type Store interface {
	// Put records a local edit. The row receives the next sequence number
	// and keeps the origin set by the caller.
	Put(ctx context.Context, row *rows.Row) (*rows.Row, error)

	// Get returns a row or ErrRowNotFound
	Get(ctx context.Context, table, key string) (*rows.Row, error)

	// ChangesSince lists rows with a sequence number above since, in
	// sequence order. An empty origin matches every row.
	ChangesSince(ctx context.Context, table string, since int64, limit int, origin rows.Role) ([]*rows.Row, error)

	// Apply resolves and writes remote changes in one transaction; either
	// every decision is persisted or none is.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// MaxSeq returns the highest sequence number assigned in the table
	MaxSeq(ctx context.Context, table string) (int64, error)

	// RecordBatch adds a ledger entry
	RecordBatch(ctx context.Context, batch *Batch) error

	// GetBatch returns a ledger entry or ErrBatchNotFound
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// AcknowledgeBatch marks a ledger entry as received by the peer
	AcknowledgeBatch(ctx context.Context, id string, at time.Time) (*Batch, error)

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases the backing database
	Close() error
}
