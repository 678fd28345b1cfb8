package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/stacklok/pos-sync/internal/resolver"
	"github.com/stacklok/pos-sync/internal/rows"
)

// txOps are the statements a backend runs inside one transaction
type txOps interface {
	getRow(ctx context.Context, table, key string) (*rows.Row, error)
	nextSeq(ctx context.Context, table string) (int64, error)
	writeRow(ctx context.Context, row *rows.Row) error
	batchExists(ctx context.Context, id string) (bool, error)
	insertBatch(ctx context.Context, batch *Batch) error
}

// applyChanges runs the resolver for every change against the current local
// row and persists the decisions through ops. Changes touching the same key
// see the effect of earlier changes in the batch.
func applyChanges(ctx context.Context, ops txOps, req ApplyRequest) (*ApplyResult, error) {
	if req.Decide == nil {
		return nil, fmt.Errorf("apply %s: no decision function", req.Table)
	}

	result := &ApplyResult{Cursor: rows.MaxSeq(req.Changes, 0)}

	if req.Batch != nil {
		exists, err := ops.batchExists(ctx, req.Batch.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up batch %s: %w", req.Batch.ID, err)
		}
		if exists {
			result.Duplicate = true
			return result, nil
		}
	}

	for _, change := range req.Changes {
		remote := change.Row()
		local, err := ops.getRow(ctx, req.Table, change.Key)
		if err != nil {
			return nil, err
		}

		decision := req.Decide(local, remote)
		if decision.Action == resolver.ActionKeep || decision.Row == nil {
			result.Skipped++
			if local != nil && !local.SameContent(remote) {
				result.Kept = append(result.Kept, local.Clone())
			}
			continue
		}

		seq, err := ops.nextSeq(ctx, req.Table)
		if err != nil {
			return nil, err
		}

		row := decision.Row.Clone()
		row.Table = req.Table
		row.Key = change.Key
		row.Seq = seq
		row.UpdatedAt = rows.Timestamp(row.UpdatedAt)
		if decision.Action == resolver.ActionDelete {
			row.Deleted = true
			row.Payload = nil
		}

		if err := ops.writeRow(ctx, row); err != nil {
			return nil, err
		}
		result.Applied++
	}

	if req.Batch != nil {
		batch := *req.Batch
		batch.Table = req.Table
		batch.RowCount = len(req.Changes)
		batch.Cursor = result.Cursor
		if err := ops.insertBatch(ctx, &batch); err != nil {
			return nil, fmt.Errorf("failed to record batch %s: %w", batch.ID, err)
		}
	}

	return result, nil
}

// putRow assigns the next sequence number to a local edit and writes it
func putRow(ctx context.Context, ops txOps, row *rows.Row) (*rows.Row, error) {
	if row.Table == "" || row.Key == "" {
		return nil, fmt.Errorf("row table and key are required")
	}
	if _, err := rows.ParseRole(string(row.Origin)); err != nil {
		return nil, err
	}

	stored := row.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	stored.UpdatedAt = rows.Timestamp(stored.UpdatedAt)
	if stored.Deleted {
		stored.Payload = nil
	}

	seq, err := ops.nextSeq(ctx, stored.Table)
	if err != nil {
		return nil, err
	}
	stored.Seq = seq

	if err := ops.writeRow(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func encodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(payload)
}

func decodePayload(table, key string, data []byte, deleted bool) (map[string]any, error) {
	if deleted {
		return nil, nil
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrCorruptRow, table, key, err)
	}
	return payload, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}
