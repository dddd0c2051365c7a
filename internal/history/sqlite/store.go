// Package sqlite persists run history in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/imagecrawl/imagecrawl/internal/history"
)

// DefaultPath returns the XDG data location for the history database.
// On Linux: ~/.local/share/imagecrawl/history.db
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "imagecrawl", "history.db")
}

// Store provides a SQLite-backed history.RunStore.
//
// Timestamps are stored as Unix milliseconds so reads do not depend on
// the driver's datetime formatting.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path. An empty path
// falls back to DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crawl_runs (
		id            TEXT PRIMARY KEY,
		root_uri      TEXT NOT NULL,
		max_depth     INTEGER NOT NULL,
		strategy      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		total_images  INTEGER NOT NULL DEFAULT 0,
		elapsed_ms    INTEGER NOT NULL DEFAULT 0,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_crawl_runs_started_at ON crawl_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_crawl_runs_status ON crawl_runs(status);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, rec history.RunRecord) error {
	query := `
	INSERT INTO crawl_runs (
		id, root_uri, max_depth, strategy, status,
		total_images, elapsed_ms, started_at, finished_at, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.RootURI,
		rec.MaxDepth,
		rec.Strategy,
		string(rec.Status),
		rec.TotalImages,
		rec.ElapsedMS,
		rec.StartedAt.UnixMilli(),
		nullMillis(rec.FinishedAt),
		nullString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunning flips the run to running and stamps its start time.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `UPDATE crawl_runs SET status = ?, started_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(history.StatusRunning), startedAt.UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return requireRow(res)
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
	SET status = ?, total_images = ?, elapsed_ms = ?, finished_at = ?, error_message = ?
	WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(status),
		totalImages,
		elapsedMS,
		finishedAt.UnixMilli(),
		nullString(errMsg),
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return requireRow(res)
}

// Get loads a single run record or returns history.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (history.RunRecord, error) {
	query := `
	SELECT id, root_uri, max_depth, strategy, status,
	       total_images, elapsed_ms, started_at, finished_at, error_message
	FROM crawl_runs
	WHERE id = ?
	`
	rec, err := scanRun(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return history.RunRecord{}, history.ErrNotFound
	}
	if err != nil {
		return history.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// List returns run records newest first, optionally filtered by status.
// A non-positive limit returns all matching rows.
func (s *Store) List(
	ctx context.Context,
	status *history.RunStatus,
	limit, offset int,
) ([]history.RunRecord, error) {
	filter := ""
	if status != nil {
		filter = string(*status)
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query := `
	SELECT id, root_uri, max_depth, strategy, status,
	       total_images, elapsed_ms, started_at, finished_at, error_message
	FROM crawl_runs
	WHERE (? = '' OR status = ?)
	ORDER BY started_at DESC, id
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []history.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (history.RunRecord, error) {
	var (
		rec        history.RunRecord
		rawID      string
		rawStatus  string
		startedAt  int64
		finishedAt sql.NullInt64
		errMsg     sql.NullString
	)
	err := row.Scan(
		&rawID,
		&rec.RootURI,
		&rec.MaxDepth,
		&rec.Strategy,
		&rawStatus,
		&rec.TotalImages,
		&rec.ElapsedMS,
		&startedAt,
		&finishedAt,
		&errMsg,
	)
	if err != nil {
		return history.RunRecord{}, err
	}
	rec.ID, err = uuid.Parse(rawID)
	if err != nil {
		return history.RunRecord{}, fmt.Errorf("parse run id %q: %w", rawID, err)
	}
	rec.Status = history.RunStatus(rawStatus)
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	if finishedAt.Valid {
		ts := time.UnixMilli(finishedAt.Int64).UTC()
		rec.FinishedAt = &ts
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return history.ErrNotFound
	}
	return nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
