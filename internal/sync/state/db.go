package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/pos-sync/internal/status"
)

type dbStateService struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	order []string
}

// NewDBStateService creates a new database-backed sync state store
func NewDBStateService(pool *pgxpool.Pool) Store {
	return &dbStateService{
		pool: pool,
	}
}

func (d *dbStateService) Initialize(ctx context.Context, tables []string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, table := range tables {
		initial, err := json.Marshal(status.NewTableSyncStatus(table))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_table_status (table_name, status) VALUES ($1, $2::jsonb)
			ON CONFLICT (table_name) DO NOTHING`, table, string(initial)); err != nil {
			return fmt.Errorf("failed to initialize table %s: %w", table, err)
		}

		s, err := selectTableForUpdate(ctx, tx, table)
		if err != nil {
			return err
		}
		wasInterrupted := s.Phase.InProgress()
		if normalizeLoaded(table, s) {
			if wasInterrupted {
				slog.Warn("Previous cycle was interrupted, resetting table to Idle", "table", table)
			}
			if err := saveTable(ctx, tx, table, s); err != nil {
				return err
			}
		}
	}

	// Tables dropped from the configuration no longer have state
	registered := append([]string{}, tables...)
	if _, err := tx.Exec(ctx,
		`DELETE FROM sync_table_status WHERE NOT (table_name = ANY($1))`, registered); err != nil {
		return fmt.Errorf("failed to remove unregistered tables: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_cycle_state (id, state) VALUES (1, '{}'::jsonb)
		ON CONFLICT (id) DO NOTHING`); err != nil {
		return fmt.Errorf("failed to initialize cycle state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.order = append([]string(nil), tables...)
	d.mu.Unlock()
	return nil
}

func (d *dbStateService) Status(ctx context.Context) (*status.SyncStatus, error) {
	result, err := d.pool.Query(ctx, `SELECT table_name, status FROM sync_table_status`)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	byName := make(map[string]*status.TableSyncStatus)
	for result.Next() {
		var (
			name string
			data []byte
		)
		if err := result.Scan(&name, &data); err != nil {
			return nil, err
		}
		s, err := decodeTableStatus(name, data)
		if err != nil {
			return nil, err
		}
		byName[name] = s
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	meta, err := d.loadMeta(ctx, d.pool)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	tables := make([]*status.TableSyncStatus, 0, len(d.order))
	for _, name := range d.order {
		if s, ok := byName[name]; ok {
			tables = append(tables, s)
		}
	}
	return status.NewSyncStatus(tables, meta), nil
}

func (d *dbStateService) TableStatus(ctx context.Context, table string) (*status.TableSyncStatus, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `SELECT status FROM sync_table_status WHERE table_name = $1`, table).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	return decodeTableStatus(table, data)
}

func (d *dbStateService) UpdateTableAtomically(
	ctx context.Context,
	table string,
	fn func(s *status.TableSyncStatus) bool,
) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	s, err := selectTableForUpdate(ctx, tx, table)
	if err != nil {
		return false, err
	}

	shouldUpdate := fn(s)
	if shouldUpdate {
		if err := saveTable(ctx, tx, table, s); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return shouldUpdate, nil
}

func (d *dbStateService) UpdateMetaAtomically(ctx context.Context, fn func(m *status.CycleMeta) bool) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	meta, err := d.loadMeta(ctx, tx)
	if err != nil {
		return false, err
	}

	shouldUpdate := fn(meta)
	if shouldUpdate {
		data, err := json.Marshal(meta)
		if err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_cycle_state (id, state, updated_at) VALUES (1, $1::jsonb, now())
			ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
			string(data)); err != nil {
			return false, fmt.Errorf("failed to save cycle state: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return shouldUpdate, nil
}

func (d *dbStateService) RecordCycleResult(ctx context.Context, result *status.CycleResult) error {
	return recordCycleResult(ctx, d, result)
}

func (d *dbStateService) Reset(ctx context.Context, table string) error {
	if table != "" {
		if _, err := d.TableStatus(ctx, table); err != nil {
			return err
		}
		return resetTables(ctx, d, []string{table}, false)
	}

	d.mu.RLock()
	tables := append([]string(nil), d.order...)
	d.mu.RUnlock()
	return resetTables(ctx, d, tables, true)
}

// dbQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type dbQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadMeta reads the cycle state, locking it when q is a transaction
func (*dbStateService) loadMeta(ctx context.Context, q dbQuerier) (*status.CycleMeta, error) {
	query := `SELECT state FROM sync_cycle_state WHERE id = 1`
	if _, inTx := q.(pgx.Tx); inTx {
		query += ` FOR UPDATE`
	}

	var data []byte
	err := q.QueryRow(ctx, query).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return &status.CycleMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle state: %w", err)
	}

	meta := &status.CycleMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to decode cycle state: %w", err)
	}
	return meta, nil
}

func selectTableForUpdate(ctx context.Context, tx pgx.Tx, table string) (*status.TableSyncStatus, error) {
	var data []byte
	err := tx.QueryRow(ctx, `SELECT status FROM sync_table_status WHERE table_name = $1 FOR UPDATE`, table).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	return decodeTableStatus(table, data)
}

func saveTable(ctx context.Context, tx pgx.Tx, table string, s *status.TableSyncStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sync_table_status SET status = $2::jsonb, updated_at = now()
		WHERE table_name = $1`, table, string(data)); err != nil {
		return fmt.Errorf("failed to save status for table %s: %w", table, err)
	}
	return nil
}

func decodeTableStatus(table string, data []byte) (*status.TableSyncStatus, error) {
	s := status.NewTableSyncStatus(table)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode status for table %s: %w", table, err)
	}
	s.Table = table
	return s, nil
}
