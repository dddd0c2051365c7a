// Package worker drains the run queue and drives crawls to completion.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/history"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/publisher"
	"github.com/imagecrawl/imagecrawl/internal/queue"
)

// finishTimeout bounds terminal-status persistence after the worker context
// is gone, so runs cancelled by shutdown still reach history.
const finishTimeout = 5 * time.Second

// Engine is the slice of the crawl engine a worker drives. An engine
// instance admits one run at a time, so each worker owns its own.
type Engine interface {
	Run(ctx context.Context, req engine.CrawlRequest) (*engine.CrawlResult, error)
	Cancel() bool
	State() engine.LifecycleState
	ExecutionHistory() []int64
}

// Config controls Worker behavior.
type Config struct {
	// Topic names the completion-event destination. Empty disables publishing.
	Topic string
}

// Worker consumes queued crawl requests and runs them on its engine.
type Worker struct {
	queue     queue.Queue
	runs      history.RunStore
	engine    Engine
	publisher publisher.Publisher
	clock     engine.Clock
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	activeRun string
}

// New constructs a Worker.
func New(
	q queue.Queue,
	runs history.RunStore,
	eng Engine,
	pub publisher.Publisher,
	clock engine.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     q,
		runs:      runs,
		engine:    eng,
		publisher: pub,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run",
			zap.String("run_id", item.Request.RunID),
			zap.String("root_uri", item.Request.RootURI),
			zap.Duration("queue_wait", w.clock.Now().Sub(item.EnqueuedAt)),
		)
		w.processRun(ctx, item)
	}
}

// ActiveRunID returns the run this worker is currently executing, or empty.
func (w *Worker) ActiveRunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeRun
}

// Cancel asks the engine to stop the given run. It reports false when that
// run is not active on this worker.
func (w *Worker) Cancel(runID string) bool {
	w.mu.Lock()
	active := w.activeRun
	w.mu.Unlock()
	if active == "" || active != runID {
		return false
	}
	return w.engine.Cancel()
}

// State reports the engine lifecycle state.
func (w *Worker) State() engine.LifecycleState {
	return w.engine.State()
}

// ExecutionHistory reports elapsed milliseconds of completed runs, oldest
// first.
func (w *Worker) ExecutionHistory() []int64 {
	return w.engine.ExecutionHistory()
}

func (w *Worker) setActive(runID string) {
	w.mu.Lock()
	w.activeRun = runID
	w.mu.Unlock()
}

func (w *Worker) processRun(ctx context.Context, item queue.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	runID, err := uuid.Parse(item.Request.RunID)
	if err != nil {
		w.logger.Error("malformed run id on queue item",
			zap.String("run_id", item.Request.RunID),
			zap.Error(err),
		)
		return
	}

	w.setActive(item.Request.RunID)
	defer w.setActive("")

	// A failed history write should not discard the run. Finish repairs the
	// record when the store recovers.
	if err := w.runs.MarkRunning(ctx, runID, w.clock.Now()); err != nil {
		w.logger.Error("mark run running failed",
			zap.String("run_id", runID.String()),
			zap.Error(err),
		)
	}

	result, runErr := w.engine.Run(ctx, item.Request)
	status, errMsg := deriveFinalStatus(ctx, runErr)

	var totalImages, elapsedMS int64
	if result != nil {
		totalImages = result.TotalImages
		elapsedMS = result.Elapsed.Milliseconds()
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	finishedAt := w.clock.Now()
	if err := w.runs.Finish(finishCtx, runID, finishedAt, status, totalImages, elapsedMS, errMsg); err != nil {
		w.logger.Error("finish run failed",
			zap.String("run_id", runID.String()),
			zap.Error(err),
		)
	}
	metrics.ObserveRun(string(status))

	w.publishCompletion(finishCtx, item.Request, status, totalImages, elapsedMS, finishedAt)

	w.logger.Info("run finished",
		zap.String("run_id", runID.String()),
		zap.String("status", string(status)),
		zap.Int64("total_images", totalImages),
		zap.Int64("elapsed_ms", elapsedMS),
	)
}

func (w *Worker) publishCompletion(
	ctx context.Context,
	req engine.CrawlRequest,
	status history.RunStatus,
	totalImages int64,
	elapsedMS int64,
	finishedAt time.Time,
) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":       req.RunID,
		"root_uri":     req.RootURI,
		"status":       string(status),
		"total_images": totalImages,
		"elapsed_ms":   elapsedMS,
		"finished_at":  finishedAt.UTC().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish run completion failed",
			zap.String("run_id", req.RunID),
			zap.Error(err),
		)
	}
}

// deriveFinalStatus maps a run outcome onto a persisted status. Cancellation
// is not a failure from the caller's point of view, so its message stays
// empty.
func deriveFinalStatus(ctx context.Context, runErr error) (history.RunStatus, *string) {
	switch {
	case errors.Is(runErr, engine.ErrRunCancelled):
		return history.StatusCancelled, nil
	case runErr != nil:
		msg := runErr.Error()
		return history.StatusFailed, &msg
	case ctx.Err() != nil:
		return history.StatusCancelled, nil
	default:
		return history.StatusSucceeded, nil
	}
}
