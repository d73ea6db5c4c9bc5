// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

// Schema creates the tables the run store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS analysis_items (
	run_id        UUID NOT NULL REFERENCES analysis_runs (id),
	grp           TEXT NOT NULL,
	item_key      TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	tasks         INTEGER NOT NULL,
	task_failures INTEGER NOT NULL,
	duration_ms   BIGINT NOT NULL,
	note          TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, grp, item_key)
);`

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool dbPool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pgx pool using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the run tables when they do not exist yet.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// StartRun inserts a running row or flips an existing one back to running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO analysis_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE analysis_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordItems upserts item outcomes inside one transaction.
func (s *RunStore) RecordItems(ctx context.Context, runID uuid.UUID, items []store.ItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin item batch: %w", err)
	}
	query := `
		INSERT INTO analysis_items
			(run_id, grp, item_key, item_id, status, tasks, task_failures, duration_ms, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, grp, item_key) DO UPDATE
		SET item_id = EXCLUDED.item_id,
			status = EXCLUDED.status,
			tasks = EXCLUDED.tasks,
			task_failures = EXCLUDED.task_failures,
			duration_ms = EXCLUDED.duration_ms,
			note = EXCLUDED.note,
			recorded_at = EXCLUDED.recorded_at;
	`
	for _, item := range items {
		_, err := tx.Exec(
			ctx,
			query,
			runID,
			item.Group,
			item.Key,
			item.ItemID,
			item.Status,
			item.Tasks,
			item.TaskFailures,
			item.Duration.Milliseconds(),
			item.Note,
			item.RecordedAt,
		)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return fmt.Errorf("failed to record item %s/%s: %w", item.Group, item.Key, errors.Join(err, rbErr))
			}
			return fmt.Errorf("failed to record item %s/%s: %w", item.Group, item.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit item batch: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE analysis_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID, with item counts.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT r.id, r.started_at, r.finished_at, r.status, r.error_message,
			(SELECT count(*) FROM analysis_items i WHERE i.run_id = r.id),
			(SELECT count(*) FROM analysis_items i WHERE i.run_id = r.id AND i.status = 'failed')
		FROM analysis_runs r
		WHERE r.id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Items,
		&run.Failed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves a page of runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT r.id, r.started_at, r.finished_at, r.status, r.error_message,
			(SELECT count(*) FROM analysis_items i WHERE i.run_id = r.id),
			(SELECT count(*) FROM analysis_items i WHERE i.run_id = r.id AND i.status = 'failed')
		FROM analysis_runs r
		WHERE ($1::text IS NULL OR r.status = $1)
		ORDER BY r.started_at DESC, r.id
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Items,
			&run.Failed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListItems retrieves a page of item outcomes for a run.
func (s *RunStore) ListItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	query := `
		SELECT run_id, grp, item_key, item_id, status, tasks, task_failures, duration_ms, note, recorded_at
		FROM analysis_items
		WHERE run_id = $1
		ORDER BY grp, item_key
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []store.ItemRecord{}
	for rows.Next() {
		var (
			item       store.ItemRecord
			durationMS int64
		)
		err := rows.Scan(
			&item.RunID,
			&item.Group,
			&item.Key,
			&item.ItemID,
			&item.Status,
			&item.Tasks,
			&item.TaskFailures,
			&durationMS,
			&item.Note,
			&item.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		item.Duration = time.Duration(durationMS) * time.Millisecond
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate item rows: %w", err)
	}
	return items, nil
}
