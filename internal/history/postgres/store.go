// Package postgres provides a Postgres-backed run history store.
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

	"github.com/imagecrawl/imagecrawl/internal/history"
)

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements history.RunStore using Postgres.
type Store struct {
	pool querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
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
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, rec history.RunRecord) error {
	query := `
		INSERT INTO crawl_runs (
			id, root_uri, max_depth, strategy, status,
			total_images, elapsed_ms, started_at, finished_at, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.RootURI,
		rec.MaxDepth,
		rec.Strategy,
		rec.Status,
		rec.TotalImages,
		rec.ElapsedMS,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunning flips the run to running and stamps its start time.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE crawl_runs
		SET status = $1, started_at = $2
		WHERE id = $3;
	`
	tag, err := s.pool.Exec(ctx, query, history.StatusRunning, startedAt, id)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	return nil
}

// Finish records the terminal status and final counters.
func (s *Store) Finish(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status history.RunStatus,
	totalImages int64,
	elapsedMS int64,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET status = $1, total_images = $2, elapsed_ms = $3, finished_at = $4, error_message = $5
		WHERE id = $6;
	`
	tag, err := s.pool.Exec(ctx, query, status, totalImages, elapsedMS, finishedAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	return nil
}

// Get loads a single run record or returns history.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (history.RunRecord, error) {
	query := `
		SELECT id, root_uri, max_depth, strategy, status,
		       total_images, elapsed_ms, started_at, finished_at, error_message
		FROM crawl_runs
		WHERE id = $1;
	`
	var rec history.RunRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.RootURI,
		&rec.MaxDepth,
		&rec.Strategy,
		&rec.Status,
		&rec.TotalImages,
		&rec.ElapsedMS,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return history.RunRecord{}, history.ErrNotFound
		}
		return history.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// List returns run records newest first, optionally filtered by status.
func (s *Store) List(
	ctx context.Context,
	status *history.RunStatus,
	limit, offset int,
) ([]history.RunRecord, error) {
	query := `
		SELECT id, root_uri, max_depth, strategy, status,
		       total_images, elapsed_ms, started_at, finished_at, error_message
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []history.RunRecord
	for rows.Next() {
		var rec history.RunRecord
		err := rows.Scan(
			&rec.ID,
			&rec.RootURI,
			&rec.MaxDepth,
			&rec.Strategy,
			&rec.Status,
			&rec.TotalImages,
			&rec.ElapsedMS,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
