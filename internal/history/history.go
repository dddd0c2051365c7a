// Package history declares the durable record of crawl runs.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Valid reports whether s is one of the persisted statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunRecord models the crawl_runs table for API responses.
type RunRecord struct {
	// ID is the run identifier shared with progress events and workers.
	ID uuid.UUID
	// RootURI is the normalized page the crawl started from.
	RootURI string
	// MaxDepth is the requested traversal limit.
	MaxDepth int
	// Strategy names the executor the run used (empty means the default).
	Strategy string
	// Status is queued/running/succeeded/failed/cancelled.
	Status RunStatus
	// TotalImages counts unique raw images the run produced.
	TotalImages int64
	// ElapsedMS is the wall-clock duration of the crawl in milliseconds.
	ElapsedMS int64
	// StartedAt is set at creation and refreshed when the run starts.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Error optionally stores the final failure reason.
	Error *string
}

// RunStore persists crawl run lifecycles.
type RunStore interface {
	// Create inserts a new run record.
	Create(ctx context.Context, rec RunRecord) error
	// MarkRunning flips the run to running and stamps its start time.
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// Finish records the terminal status and the run's final counters.
	Finish(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		totalImages int64,
		elapsedMS int64,
		errMsg *string,
	) error
	// Get loads a single run record or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (RunRecord, error)
	// List returns run records filtered by optional status plus limit/offset,
	// newest first.
	List(ctx context.Context, status *RunStatus, limit, offset int) ([]RunRecord, error)
}
