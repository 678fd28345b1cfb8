package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stacklok/pos-sync/database"
	"github.com/stacklok/pos-sync/internal/rows"
)

// SQLiteStore is a Store backed by an embedded SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it
// to the latest schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create row store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Single writer to avoid SQLITE_BUSY errors
	db.SetMaxOpenConns(1)

	if err := configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := database.MigrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("SQLite row store opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	return nil
}

// Put implements Store
func (s *SQLiteStore) Put(ctx context.Context, row *rows.Row) (*rows.Row, error) {
	var stored *rows.Row
	err := s.withTx(ctx, func(ops *sqliteOps) error {
		var err error
		stored, err = putRow(ctx, ops, row)
		return err
	})
	return stored, err
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, table, key string) (*rows.Row, error) {
	row, err := (&sqliteOps{q: s.db}).getRow(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrRowNotFound
	}
	return row, nil
}

// ChangesSince implements Store
func (s *SQLiteStore) ChangesSince(
	ctx context.Context, table string, since int64, limit int, origin rows.Role,
) ([]*rows.Row, error) {
	result, err := s.db.QueryContext(ctx, `
		SELECT table_name, pk, payload, updated_at, deleted, origin, seq
		FROM sync_rows
		WHERE table_name = ? AND seq > ? AND (? = '' OR origin = ?)
		ORDER BY seq
		LIMIT ?`,
		table, since, string(origin), string(origin), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list changes for %s: %w", table, err)
	}
	defer result.Close()

	var out []*rows.Row
	for result.Next() {
		row, err := scanSQLiteRow(result)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, result.Err()
}

// Apply implements Store
func (s *SQLiteStore) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var result *ApplyResult
	err := s.withTx(ctx, func(ops *sqliteOps) error {
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
func (s *SQLiteStore) MaxSeq(ctx context.Context, table string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM sync_table_seq WHERE table_name = ?`, table).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for %s: %w", table, err)
	}
	return seq, nil
}

// RecordBatch implements Store
func (s *SQLiteStore) RecordBatch(ctx context.Context, batch *Batch) error {
	return (&sqliteOps{q: s.db}).insertBatch(ctx, batch)
}

// GetBatch implements Store
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var (
		b              Batch
		direction      string
		acknowledged   int
		createdAt      int64
		acknowledgedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, direction, batch_cursor, row_count, acknowledged, created_at, acknowledged_at
		FROM sync_batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Table, &direction, &b.Cursor, &b.RowCount, &acknowledged, &createdAt, &acknowledgedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", id, err)
	}

	b.Direction = Direction(direction)
	b.Acknowledged = acknowledged != 0
	b.CreatedAt = time.UnixMicro(createdAt).UTC()
	if acknowledgedAt.Valid {
		at := time.UnixMicro(acknowledgedAt.Int64).UTC()
		b.AcknowledgedAt = &at
	}
	return &b, nil
}

// AcknowledgeBatch implements Store
func (s *SQLiteStore) AcknowledgeBatch(ctx context.Context, id string, at time.Time) (*Batch, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_batches
		SET acknowledged = 1, acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ?`, rows.Timestamp(at).UnixMicro(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge batch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrBatchNotFound
	}
	return s.GetBatch(ctx, id)
}

// Ping implements Store
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(ops *sqliteOps) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteOps{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteQuerier is satisfied by both *sql.DB and *sql.Tx
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteOps struct {
	q sqliteQuerier
}

func (o *sqliteOps) getRow(ctx context.Context, table, key string) (*rows.Row, error) {
	row, err := scanSQLiteRow(o.q.QueryRowContext(ctx, `
		SELECT table_name, pk, payload, updated_at, deleted, origin, seq
		FROM sync_rows WHERE table_name = ? AND pk = ?`, table, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

func (o *sqliteOps) nextSeq(ctx context.Context, table string) (int64, error) {
	var seq int64
	err := o.q.QueryRowContext(ctx, `
		INSERT INTO sync_table_seq (table_name, last_seq) VALUES (?, 1)
		ON CONFLICT (table_name) DO UPDATE SET last_seq = sync_table_seq.last_seq + 1
		RETURNING last_seq`, table).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for %s: %w", table, err)
	}
	return seq, nil
}

func (o *sqliteOps) writeRow(ctx context.Context, row *rows.Row) error {
	payload, err := encodePayload(row.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", row.Table, row.Key, err)
	}
	deleted := 0
	if row.Deleted {
		deleted = 1
	}
	_, err = o.q.ExecContext(ctx, `
		INSERT INTO sync_rows (table_name, pk, payload, updated_at, deleted, origin, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, pk) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			origin = excluded.origin,
			seq = excluded.seq`,
		row.Table, row.Key, string(payload), row.UpdatedAt.UnixMicro(), deleted, string(row.Origin), row.Seq)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", row.Table, row.Key, err)
	}
	return nil
}

func (o *sqliteOps) batchExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_batches WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (o *sqliteOps) insertBatch(ctx context.Context, batch *Batch) error {
	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO sync_batches (id, table_name, direction, batch_cursor, row_count, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		batch.ID, batch.Table, string(batch.Direction), batch.Cursor, batch.RowCount, rows.Timestamp(createdAt).UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}
	return nil
}

// sqliteScanner is satisfied by *sql.Row and *sql.Rows
type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRow(s sqliteScanner) (*rows.Row, error) {
	var (
		row       rows.Row
		payload   string
		updatedAt int64
		deleted   int
		origin    string
	)
	if err := s.Scan(&row.Table, &row.Key, &payload, &updatedAt, &deleted, &origin, &row.Seq); err != nil {
		return nil, err
	}

	row.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	row.Deleted = deleted != 0
	row.Origin = rows.Role(origin)

	var err error
	row.Payload, err = decodePayload(row.Table, row.Key, []byte(payload), row.Deleted)
	if err != nil {
		return nil, err
	}
	return &row, nil
}
