package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/config"
	"github.com/imagecrawl/imagecrawl/internal/dispatcher"
	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	"github.com/imagecrawl/imagecrawl/internal/history"
	historymem "github.com/imagecrawl/imagecrawl/internal/history/memory"
	"github.com/imagecrawl/imagecrawl/internal/queue"
	queuemem "github.com/imagecrawl/imagecrawl/internal/queue/memory"
	"github.com/imagecrawl/imagecrawl/internal/worker"
)

const testRunID = "018f3a3c-5e1f-7000-8000-000000000001"

func TestServer_SubmitRun_Succeeds(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, testRunID)
	body := bytes.NewBufferString(`{"root_uri":"https://example.com/","max_depth":2}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), testRunID)

	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, testRunID, item.Request.RunID)
	require.Equal(t, "https://example.com/", item.Request.RootURI)
	require.Equal(t, 2, item.Request.MaxDepth)
	require.Equal(t, executor.NameSequential, item.Request.Strategy)

	stored, err := h.runs.Get(context.Background(), uuid.MustParse(testRunID))
	require.NoError(t, err)
	require.Equal(t, history.StatusQueued, stored.Status)
}

func TestServer_SubmitRun_InvalidJSON(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitRun_MissingRootURI(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"root_uri":""}`))
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "root_uri required")
}

func TestServer_SubmitRun_UnknownStrategy(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	body := bytes.NewBufferString(`{"root_uri":"https://example.com/","strategy":"fibers"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "strategy")
}

func TestServer_SubmitRun_QueueFull(t *testing.T) {
	t.Parallel()

	h := newTestHarnessWithCapacity(t, 1, testRunID)
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Item{}))

	body := bytes.NewBufferString(`{"root_uri":"https://example.com/"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue is full")

	// The rejected submission must not linger as queued.
	stored, err := h.runs.Get(context.Background(), uuid.MustParse(testRunID))
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, stored.Status)
}

func TestServer_ListRuns_FiltersStatus(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	succeeded := history.RunRecord{
		ID:        uuid.New(),
		RootURI:   "https://done.test/",
		MaxDepth:  1,
		Status:    history.StatusSucceeded,
		StartedAt: time.Unix(1700000000, 0),
	}
	queued := history.RunRecord{
		ID:        uuid.New(),
		RootURI:   "https://waiting.test/",
		MaxDepth:  1,
		Status:    history.StatusQueued,
		StartedAt: time.Unix(1700000100, 0),
	}
	require.NoError(t, h.runs.Create(context.Background(), succeeded))
	require.NoError(t, h.runs.Create(context.Background(), queued))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=succeeded&limit=10", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, succeeded.ID.String(), body.Runs[0].ID)
	require.Equal(t, "succeeded", body.Runs[0].Status)
}

func TestServer_ListRuns_InvalidLimit(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=-1", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetRun_ReturnsRecord(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	rec := history.RunRecord{
		ID:          uuid.MustParse(testRunID),
		RootURI:     "https://gallery.test/",
		MaxDepth:    3,
		Status:      history.StatusSucceeded,
		TotalImages: 42,
		ElapsedMS:   1500,
		StartedAt:   time.Unix(1700000000, 0),
	}
	require.NoError(t, h.runs.Create(context.Background(), rec))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+testRunID, nil)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "https://gallery.test/")
	require.Contains(t, w.Body.String(), `"total_images":42`)
}

func TestServer_GetRun_NotFound(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetRun_MalformedID(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid run_id")
}

func TestServer_CancelRun_NotActive(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CancelRun_StopsActiveRun(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(4)
	runs := historymem.New()
	eng := &stubEngine{started: make(chan struct{}), block: make(chan struct{})}
	wk := worker.New(q, runs, eng, nil, &fakeClock{now: time.Unix(1700000000, 0)}, worker.Config{}, zap.NewNop())
	dispatch := dispatcher.New(q, []*worker.Worker{wk})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	server := NewServer(
		runs,
		dispatch,
		&fakeIDGen{ids: []string{testRunID}},
		&fakeClock{now: time.Unix(1700000000, 0)},
		testConfig(),
		zap.NewNop(),
	)

	body := bytes.NewBufferString(`{"root_uri":"https://example.com/"}`)
	submit := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, submit)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-eng.started:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never started the run")
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/runs/"+testRunID+"/cancel", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, cancelReq)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cancelling")

	require.Eventually(t, func() bool {
		stored, err := runs.Get(context.Background(), uuid.MustParse(testRunID))
		return err == nil && stored.Status == history.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestServer_WorkerStatusReportsIdleWorkers(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	runs := historymem.New()
	eng := &stubEngine{started: make(chan struct{}), block: make(chan struct{})}
	wk := worker.New(q, runs, eng, nil, &fakeClock{now: time.Unix(1700000000, 0)}, worker.Config{}, zap.NewNop())
	dispatch := dispatcher.New(q, []*worker.Worker{wk})
	server := NewServer(runs, dispatch, &fakeIDGen{}, &fakeClock{now: time.Unix(1700000000, 0)}, testConfig(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workers []struct {
			Worker    int    `json:"worker"`
			State     string `json:"state"`
			ActiveRun string `json:"active_run"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workers, 1)
	require.Equal(t, 0, body.Workers[0].Worker)
	require.Equal(t, "idle", body.Workers[0].State)
	require.Empty(t, body.Workers[0].ActiveRun)
}

func TestServer_RunHistoryListsElapsed(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	runs := historymem.New()
	eng := &stubEngine{history: []int64{120, 340}}
	wk := worker.New(q, runs, eng, nil, &fakeClock{now: time.Unix(1700000000, 0)}, worker.Config{}, zap.NewNop())
	dispatch := dispatcher.New(q, []*worker.Worker{wk})
	server := NewServer(runs, dispatch, &fakeIDGen{}, &fakeClock{now: time.Unix(1700000000, 0)}, testConfig(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "[[120,340]]")
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")

	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.APIKey = "secret"
	q := queuemem.NewQueue(1)
	runs := historymem.New()
	dispatch := dispatcher.New(q, nil)
	server := NewServer(runs, dispatch, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type testHarness struct {
	server *Server
	queue  *queuemem.Queue
	runs   *historymem.Store
}

func newTestHarness(t *testing.T, ids ...string) *testHarness {
	t.Helper()
	return newTestHarnessWithCapacity(t, 10, ids...)
}

func newTestHarnessWithCapacity(t *testing.T, capacity int, ids ...string) *testHarness {
	t.Helper()
	q := queuemem.NewQueue(capacity)
	runs := historymem.New()
	dispatch := dispatcher.New(q, nil)
	server := NewServer(
		runs,
		dispatch,
		&fakeIDGen{ids: ids},
		&fakeClock{now: time.Unix(1700000000, 0)},
		testConfig(),
		zap.NewNop(),
	)
	return &testHarness{server: server, queue: q, runs: runs}
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Addr: ":0", RequestTimeout: time.Minute},
		Crawl:  config.CrawlConfig{MaxDepth: 2, Strategy: executor.NameSequential},
	}
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return uuid.NewString(), nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// stubEngine blocks inside Run until cancelled so tests can observe an
// active run from the outside.
type stubEngine struct {
	mu        sync.Mutex
	startOnce sync.Once
	started   chan struct{}
	block     chan struct{}
	unblocked bool
	history   []int64
}

func (e *stubEngine) Run(ctx context.Context, _ engine.CrawlRequest) (*engine.CrawlResult, error) {
	e.mu.Lock()
	block := e.block
	e.mu.Unlock()
	if e.started != nil {
		e.startOnce.Do(func() { close(e.started) })
	}
	if block == nil {
		return &engine.CrawlResult{}, engine.ErrRunCancelled
	}
	select {
	case <-block:
		return &engine.CrawlResult{}, engine.ErrRunCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *stubEngine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.block != nil && !e.unblocked {
		close(e.block)
		e.unblocked = true
	}
	return true
}

func (e *stubEngine) State() engine.LifecycleState {
	return engine.Idle
}

func (e *stubEngine) ExecutionHistory() []int64 {
	return e.history
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
