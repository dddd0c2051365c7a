package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/history"
	"github.com/imagecrawl/imagecrawl/internal/progress"
)

// StoreSink persists run lifecycle transitions via a history.RunStore. Runs
// that were never enqueued through the API are created lazily, so standalone
// engines still leave a durable record.
type StoreSink struct {
	store  history.RunStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided run store.
func NewStoreSink(store history.RunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume forwards run lifecycle events to the store. It respects ctx
// deadlines and returns any store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStarted:
			if err := s.handleStarted(ctx, evt); err != nil {
				return err
			}
		case progress.StageRunCompleted:
			if err := s.handleFinished(ctx, evt, history.StatusSucceeded); err != nil {
				return err
			}
		case progress.StageRunCancelled:
			if err := s.handleFinished(ctx, evt, history.StatusCancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StoreSink) handleStarted(ctx context.Context, evt progress.Event) error {
	id := evt.RunUUID()
	err := s.store.MarkRunning(ctx, id, evt.TS)
	if errors.Is(err, history.ErrNotFound) {
		return s.createRecord(ctx, evt, history.StatusRunning)
	}
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

func (s *StoreSink) handleFinished(ctx context.Context, evt progress.Event, status history.RunStatus) error {
	id := evt.RunUUID()
	var errMsg *string
	if evt.Note != "" {
		errMsg = &evt.Note
	}
	err := s.store.Finish(ctx, id, evt.TS, status, evt.Images, evt.Dur.Milliseconds(), errMsg)
	if errors.Is(err, history.ErrNotFound) {
		// The started event may have been dropped under load.
		return s.createRecord(ctx, evt, status)
	}
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *StoreSink) createRecord(ctx context.Context, evt progress.Event, status history.RunStatus) error {
	rec := history.RunRecord{
		ID:          evt.RunUUID(),
		RootURI:     evt.URI,
		MaxDepth:    evt.Depth,
		Status:      status,
		TotalImages: evt.Images,
		ElapsedMS:   evt.Dur.Milliseconds(),
		StartedAt:   evt.TS,
	}
	if status.Terminal() {
		rec.StartedAt = evt.TS.Add(-evt.Dur)
		ts := evt.TS
		rec.FinishedAt = &ts
	}
	if evt.Note != "" {
		note := evt.Note
		rec.Error = &note
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	s.logger.Debug("created run record from progress stream",
		zap.String("run_id", rec.ID.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
