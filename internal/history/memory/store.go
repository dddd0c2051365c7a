// Package memory keeps run history in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imagecrawl/imagecrawl/internal/history"
)

// Store provides an in-memory history.RunStore.
type Store struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]history.RunRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: make(map[uuid.UUID]history.RunRecord)}
}

// Create inserts a new run record.
func (s *Store) Create(_ context.Context, rec history.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[rec.ID]; exists {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	s.runs[rec.ID] = rec
	return nil
}

// MarkRunning flips the run to running and stamps its start time.
func (s *Store) MarkRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return history.ErrNotFound
	}
	rec.Status = history.StatusRunning
	rec.StartedAt = startedAt
	s.runs[id] = rec
	return nil
}

// Finish records the terminal status and final counters.
func (s *Store) Finish(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status history.RunStatus,
	totalImages int64,
	elapsedMS int64,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return history.ErrNotFound
	}
	rec.Status = status
	rec.TotalImages = totalImages
	rec.ElapsedMS = elapsedMS
	rec.FinishedAt = pointerTime(finishedAt)
	rec.Error = copyString(errMsg)
	s.runs[id] = rec
	return nil
}

// Get fetches a run record by ID.
func (s *Store) Get(_ context.Context, id uuid.UUID) (history.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return history.RunRecord{}, history.ErrNotFound
	}
	return rec, nil
}

// List returns run records newest first, optionally filtered by status.
func (s *Store) List(
	_ context.Context,
	status *history.RunStatus,
	limit, offset int,
) ([]history.RunRecord, error) {
	s.mu.RLock()
	out := make([]history.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
