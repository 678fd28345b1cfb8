package rowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/pos-sync/internal/rows"
)

// PostgresStore is a Store backed by a PostgreSQL connection pool. The schema
// is expected to be migrated beforehand.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres wraps an open pool
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put implements Store
func (s *PostgresStore) Put(ctx context.Context, row *rows.Row) (*rows.Row, error) {
	var stored *rows.Row
	err := s.withTx(ctx, func(ops *pgOps) error {
		var err error
		stored, err = putRow(ctx, ops, row)
		return err
	})
	return stored, err
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, table, key string) (*rows.Row, error) {
	row, err := (&pgOps{q: s.pool}).getRow(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrRowNotFound
	}
	return row, nil
}

// ChangesSince implements Store
func (s *PostgresStore) ChangesSince(
	ctx context.Context, table string, since int64, limit int, origin rows.Role,
) ([]*rows.Row, error) {
	result, err := s.pool.Query(ctx, `
		SELECT table_name, pk, payload, updated_at, deleted, origin, seq
		FROM sync_rows
		WHERE table_name = $1 AND seq > $2 AND ($3::text = '' OR origin = $3::text)
		ORDER BY seq
		LIMIT $4`,
		table, since, string(origin), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list changes for %s: %w", table, err)
	}
	defer result.Close()

	var out []*rows.Row
	for result.Next() {
		row, err := scanPgRow(result)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, result.Err()
}

// Apply implements Store
func (s *PostgresStore) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var result *ApplyResult
	err := s.withTx(ctx, func(ops *pgOps) error {
		var err error
		result, err = applyChanges(ctx, ops, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MaxSeq implements Store
func (s *PostgresStore) MaxSeq(ctx context.Context, table string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT last_seq FROM sync_table_seq WHERE table_name = $1`, table).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", table, err)
	}
	return seq, nil
}

// RecordBatch implements Store
func (s *PostgresStore) RecordBatch(ctx context.Context, batch *Batch) error {
	return (&pgOps{q: s.pool}).insertBatch(ctx, batch)
}

// GetBatch implements Store
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var (
		b         Batch
		direction string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, table_name, direction, batch_cursor, row_count, acknowledged, created_at, acknowledged_at
		FROM sync_batches WHERE id::text = $1`, id).
		Scan(&b.ID, &b.Table, &direction, &b.Cursor, &b.RowCount, &b.Acknowledged, &b.CreatedAt, &b.AcknowledgedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", id, err)
	}

	b.Direction = Direction(direction)
	b.CreatedAt = b.CreatedAt.UTC()
	if b.AcknowledgedAt != nil {
		at := b.AcknowledgedAt.UTC()
		b.AcknowledgedAt = &at
	}
	return &b, nil
}

// AcknowledgeBatch implements Store
func (s *PostgresStore) AcknowledgeBatch(ctx context.Context, id string, at time.Time) (*Batch, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_batches
		SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, $1)
		WHERE id::text = $2`, rows.Timestamp(at), id)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrBatchNotFound
	}
	return s.GetBatch(ctx, id)
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(ops *pgOps) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgOps{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgOps struct {
	q pgQuerier
}

func (o *pgOps) getRow(ctx context.Context, table, key string) (*rows.Row, error) {
	row, err := scanPgRow(o.q.QueryRow(ctx, `
		SELECT table_name, pk, payload, updated_at, deleted, origin, seq
		FROM sync_rows WHERE table_name = $1 AND pk = $2
		FOR UPDATE`, table, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

func (o *pgOps) nextSeq(ctx context.Context, table string) (int64, error) {
	var seq int64
	err := o.q.QueryRow(ctx, `
		INSERT INTO sync_table_seq (table_name, last_seq) VALUES ($1, 1)
		ON CONFLICT (table_name) DO UPDATE SET last_seq = sync_table_seq.last_seq + 1
		RETURNING last_seq`, table).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for %s: %w", table, err)
	}
	return seq, nil
}

func (o *pgOps) writeRow(ctx context.Context, row *rows.Row) error {
	payload, err := encodePayload(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", row.Table, row.Key, err)
	}
	_, err = o.q.Exec(ctx, `
		INSERT INTO sync_rows (table_name, pk, payload, updated_at, deleted, origin, seq)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (table_name, pk) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted,
			origin = EXCLUDED.origin,
			seq = EXCLUDED.seq`,
		row.Table, row.Key, string(payload), row.UpdatedAt, row.Deleted, string(row.Origin), row.Seq)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", row.Table, row.Key, err)
	}
	return nil
}

func (o *pgOps) batchExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := o.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_batches WHERE id::text = $1)`, id).Scan(&exists)
	return exists, err
}

func (o *pgOps) insertBatch(ctx context.Context, batch *Batch) error {
	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := o.q.Exec(ctx, `
		INSERT INTO sync_batches (id, table_name, direction, batch_cursor, row_count, acknowledged, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, FALSE, $6)`,
		batch.ID, batch.Table, string(batch.Direction), batch.Cursor, batch.RowCount, rows.Timestamp(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}
	return nil
}

func scanPgRow(r pgx.Row) (*rows.Row, error) {
	var (
		row     rows.Row
		payload []byte
		origin  string
	)
	if err := r.Scan(&row.Table, &row.Key, &payload, &row.UpdatedAt, &row.Deleted, &origin, &row.Seq); err != nil {
		return nil, err
	}

	row.UpdatedAt = rows.Timestamp(row.UpdatedAt)
	row.Origin = rows.Role(origin)

	var err error
	row.Payload, err = decodePayload(row.Table, row.Key, payload, row.Deleted)
	if err != nil {
		return nil, err
	}
	return &row, nil
}
