// Package wire defines the JSON bodies exchanged over the sync API. The
// transport client and the API handlers share these types.
package wire

import (
	"time"

	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/versions"
)

// ProtocolVersion is the version of the sync protocol spoken by this build.
// Peers with a different major version are rejected.
const ProtocolVersion = versions.ProtocolVersion

const (
	// HeaderProtocolVersion carries the sender's ProtocolVersion
	HeaderProtocolVersion = "X-Pos-Sync-Protocol"

	// HeaderRole carries the sender's role
	HeaderRole = "X-Pos-Sync-Role"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// TablesResponse lists registered tables in processing order
type TablesResponse struct {
	Tables []string `json:"tables"`
}

// PullResponse is a batch of changes above the requested cursor
type PullResponse struct {
	Table   string           `json:"table"`
	Changes []rows.RowChange `json:"changes"`

	// Cursor is the highest Seq in Changes, or the requested cursor when
	// there are none.
	Cursor  int64 `json:"cursor"`
	HasMore bool  `json:"hasMore"`
}

// PushRequest submits local changes to the peer
type PushRequest struct {
	Changes []rows.RowChange `json:"changes"`
}

// PushResponse acknowledges an applied push. Cursor is the highest sender
// Seq in the request, which the sender records as its push watermark.
type PushResponse struct {
	Table   string `json:"table"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	Cursor  int64  `json:"cursor"`

	// Kept carries the receiver's version of every row whose pushed change
	// lost resolution. The sender applies them before moving its push
	// watermark, since its pull watermark may already be past them.
	Kept []rows.RowChange `json:"kept,omitempty"`
}

// ResetResponse lists the tables whose sync state was cleared
type ResetResponse struct {
	Tables []string `json:"tables"`
}

// FullSyncResponse reports the outcome of a full resync
type FullSyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UploadRequest is an out-of-band batch sent to the peer
type UploadRequest struct {
	BatchID string           `json:"batchId"`
	Table   string           `json:"table"`
	Changes []rows.RowChange `json:"changes"`
}

// UploadResponse reports how an uploaded batch was applied. Duplicate is
// set when the batch id had already been applied.
type UploadResponse struct {
	BatchID   string `json:"batchId"`
	Table     string `json:"table"`
	Applied   int    `json:"applied"`
	Skipped   int    `json:"skipped"`
	Cursor    int64  `json:"cursor"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// DownloadResponse is an out-of-band batch handed out under a fresh batch id
type DownloadResponse struct {
	BatchID string           `json:"batchId"`
	Table   string           `json:"table"`
	Changes []rows.RowChange `json:"changes"`
	Cursor  int64            `json:"cursor"`
	HasMore bool             `json:"hasMore"`
}

// AcknowledgeRequest confirms receipt of a downloaded batch
type AcknowledgeRequest struct {
	BatchID string `json:"batchId"`
}

// AcknowledgeResponse echoes the acknowledged ledger entry
type AcknowledgeResponse struct {
	BatchID        string    `json:"batchId"`
	Table          string    `json:"table"`
	Cursor         int64     `json:"cursor"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}
