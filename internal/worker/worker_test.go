package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/history"
	historymem "github.com/imagecrawl/imagecrawl/internal/history/memory"
	pubmem "github.com/imagecrawl/imagecrawl/internal/publisher/memory"
	"github.com/imagecrawl/imagecrawl/internal/queue"
	queuemem "github.com/imagecrawl/imagecrawl/internal/queue/memory"
)

type workerHarness struct {
	queue     *queuemem.Queue
	store     *historymem.Store
	publisher *pubmem.Publisher
	engine    *fakeEngine
	clock     *fakeClock
	worker    *Worker
}

func newWorkerHarness(t *testing.T, eng *fakeEngine, cfg Config) *workerHarness {
	t.Helper()
	h := &workerHarness{
		queue:     queuemem.NewQueue(4),
		store:     historymem.New(),
		publisher: pubmem.New(),
		engine:    eng,
		clock:     &fakeClock{now: time.Unix(1700000000, 0)},
	}
	h.worker = New(h.queue, h.store, eng, h.publisher, h.clock, cfg, zap.NewNop())
	return h
}

func (h *workerHarness) submit(t *testing.T, ctx context.Context, runID uuid.UUID, rootURI string) {
	t.Helper()
	require.NoError(t, h.store.Create(ctx, history.RunRecord{
		ID:        runID,
		RootURI:   rootURI,
		MaxDepth:  2,
		Status:    history.StatusQueued,
		StartedAt: h.clock.Now(),
	}))
	require.NoError(t, h.queue.Enqueue(ctx, queue.Item{
		Request: engine.CrawlRequest{
			RunID:    runID.String(),
			RootURI:  rootURI,
			MaxDepth: 2,
		},
		EnqueuedAt: h.clock.Now(),
	}))
}

func (h *workerHarness) waitForStatus(t *testing.T, ctx context.Context, runID uuid.UUID, want history.RunStatus) history.RunRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(ctx, runID)
		return err == nil && rec.Status == want
	}, time.Second, 10*time.Millisecond)
	rec, err := h.store.Get(ctx, runID)
	require.NoError(t, err)
	return rec
}

func TestWorkerRunsQueuedRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{result: &engine.CrawlResult{TotalImages: 7, Elapsed: 1500 * time.Millisecond}}
	h := newWorkerHarness(t, eng, Config{Topic: "runs.completed"})
	go h.worker.Run(ctx)

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")

	rec := h.waitForStatus(t, ctx, runID, history.StatusSucceeded)
	require.EqualValues(t, 7, rec.TotalImages)
	require.EqualValues(t, 1500, rec.ElapsedMS)
	require.NotNil(t, rec.FinishedAt)
	require.Nil(t, rec.Error)

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "runs.completed", messages[0].Topic)
	payload, ok := messages[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, runID.String(), payload["run_id"])
	require.Equal(t, "https://example.com", payload["root_uri"])
	require.Equal(t, "succeeded", payload["status"])
	require.EqualValues(t, 7, payload["total_images"])
}

func TestWorkerMarksFailedRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{err: errors.New("fetch root: connection refused")}
	h := newWorkerHarness(t, eng, Config{Topic: "runs.completed"})
	go h.worker.Run(ctx)

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://broken.test")

	rec := h.waitForStatus(t, ctx, runID, history.StatusFailed)
	require.NotNil(t, rec.Error)
	require.Contains(t, *rec.Error, "connection refused")

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	payload := messages[0].Payload.(map[string]any)
	require.Equal(t, "failed", payload["status"])
}

func TestWorkerMarksCancelledRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A cancelled run still carries the partial result alongside the error.
	eng := &fakeEngine{
		result: &engine.CrawlResult{TotalImages: 3, Elapsed: 2 * time.Second},
		err:    engine.ErrRunCancelled,
	}
	h := newWorkerHarness(t, eng, Config{})
	go h.worker.Run(ctx)

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")

	rec := h.waitForStatus(t, ctx, runID, history.StatusCancelled)
	require.Nil(t, rec.Error)
	require.EqualValues(t, 3, rec.TotalImages)
	require.EqualValues(t, 2000, rec.ElapsedMS)
}

func TestWorkerCancelTargetsActiveRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{
		block: make(chan struct{}),
		err:   engine.ErrRunCancelled,
	}
	h := newWorkerHarness(t, eng, Config{})
	go h.worker.Run(ctx)

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")

	require.Eventually(t, func() bool {
		return h.worker.ActiveRunID() == runID.String()
	}, time.Second, 10*time.Millisecond)

	require.False(t, h.worker.Cancel(uuid.NewString()))
	require.True(t, h.worker.Cancel(runID.String()))

	h.waitForStatus(t, ctx, runID, history.StatusCancelled)
	require.Eventually(t, func() bool {
		return h.worker.ActiveRunID() == ""
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, eng.cancelCount())
}

func TestWorkerSkipsPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{result: &engine.CrawlResult{TotalImages: 1, Elapsed: time.Second}}
	h := newWorkerHarness(t, eng, Config{})
	go h.worker.Run(ctx)

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")

	h.waitForStatus(t, ctx, runID, history.StatusSucceeded)
	require.Empty(t, h.publisher.Messages())
}

func TestWorkerSkipsMalformedRunIDs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{result: &engine.CrawlResult{TotalImages: 1, Elapsed: time.Second}}
	h := newWorkerHarness(t, eng, Config{Topic: "runs.completed"})
	go h.worker.Run(ctx)

	require.NoError(t, h.queue.Enqueue(ctx, queue.Item{
		Request:    engine.CrawlRequest{RunID: "not-a-uuid", RootURI: "https://example.com"},
		EnqueuedAt: h.clock.Now(),
	}))
	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")

	h.waitForStatus(t, ctx, runID, history.StatusSucceeded)
	require.Len(t, h.publisher.Messages(), 1)
	require.Equal(t, 1, eng.runCount())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{result: &engine.CrawlResult{TotalImages: 1, Elapsed: time.Second}}
	h := newWorkerHarness(t, eng, Config{})

	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	runID := uuid.New()
	h.submit(t, ctx, runID, "https://example.com")
	h.queue.Close()

	h.waitForStatus(t, ctx, runID, history.StatusSucceeded)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestDeriveFinalStatus(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name     string
		ctx      context.Context
		err      error
		want     history.RunStatus
		wantMsg  string
		nilError bool
	}{
		{name: "success", ctx: context.Background(), want: history.StatusSucceeded, nilError: true},
		{name: "cancelled run", ctx: context.Background(), err: engine.ErrRunCancelled, want: history.StatusCancelled, nilError: true},
		{name: "wrapped cancellation", ctx: context.Background(), err: errors.Join(engine.ErrRunCancelled, errors.New("mid-flight")), want: history.StatusCancelled, nilError: true},
		{name: "failure", ctx: context.Background(), err: errors.New("boom"), want: history.StatusFailed, wantMsg: "boom"},
		{name: "context gone", ctx: cancelled, want: history.StatusCancelled, nilError: true},
		{name: "failure wins over dead context", ctx: cancelled, err: errors.New("boom"), want: history.StatusFailed, wantMsg: "boom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := deriveFinalStatus(tc.ctx, tc.err)
			require.Equal(t, tc.want, status)
			if tc.nilError {
				require.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			require.Equal(t, tc.wantMsg, *msg)
		})
	}
}

// --- fakes ---

type fakeEngine struct {
	mu      sync.Mutex
	result  *engine.CrawlResult
	err     error
	block   chan struct{}
	runs    []engine.CrawlRequest
	cancels int
	state   engine.LifecycleState
	history []int64
}

func (e *fakeEngine) Run(ctx context.Context, req engine.CrawlRequest) (*engine.CrawlResult, error) {
	e.mu.Lock()
	e.runs = append(e.runs, req)
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return e.result, e.err
}

func (e *fakeEngine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	if e.block == nil {
		return false
	}
	close(e.block)
	e.block = nil
	return true
}

func (e *fakeEngine) State() engine.LifecycleState {
	return e.state
}

func (e *fakeEngine) ExecutionHistory() []int64 {
	return e.history
}

func (e *fakeEngine) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *fakeEngine) cancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
