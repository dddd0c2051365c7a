package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/cache"
	"github.com/imagecrawl/imagecrawl/internal/clock/system"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	idgen "github.com/imagecrawl/imagecrawl/internal/id/uuid"
	"github.com/imagecrawl/imagecrawl/internal/imaging"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/page"
	"github.com/imagecrawl/imagecrawl/internal/progress"
)

// failTimeout bounds the cache call that marks an abandoned claim failed,
// which must still go through after the run context is cancelled.
const failTimeout = 5 * time.Second

// ExecutorFactory resolves a strategy name to an executor. The engine
// consults it when a request names a strategy other than the default.
type ExecutorFactory func(name string) (executor.Executor, error)

// Options carries the engine collaborators. Cache, Fetcher, Downloader, and
// Executor are required; everything else defaults to a working no-op.
type Options struct {
	Cache      cache.Store
	Fetcher    Fetcher
	Downloader Downloader
	Transforms []imaging.Transform
	Executor   executor.Executor
	// ExecutorFor resolves per-request strategy overrides. Defaults to
	// executor.New with its package defaults.
	ExecutorFor ExecutorFactory
	Emitter     progress.Emitter
	Clock       Clock
	IDs         IDGenerator
	Logger      *zap.Logger
	// SameHostOnly keeps page traversal on the root's host. Images are
	// exempt; they routinely live on CDNs.
	SameHostOnly bool
}

// Engine orchestrates depth-bounded crawl runs over a shared artifact cache.
// One instance admits a single run at a time; separate instances may crawl
// concurrently against the same cache because claims, not engine state,
// arbitrate who downloads what.
type Engine struct {
	cache      cache.Store
	fetcher    Fetcher
	downloader Downloader
	transforms []imaging.Transform
	exec       executor.Executor
	execFor    ExecutorFactory
	emitter    progress.Emitter
	clock      Clock
	ids        IDGenerator
	logger     *zap.Logger
	sameHost   bool

	state atomic.Int32

	mu        sync.Mutex
	runCancel context.CancelFunc
	history   []int64
}

// New constructs an Engine. Collaborator validation is deferred to Run so a
// partially wired engine can still report its state.
func New(opts Options) *Engine {
	if opts.Emitter == nil {
		opts.Emitter = progress.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = idgen.NewUUIDGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExecutorFor == nil {
		opts.ExecutorFor = func(name string) (executor.Executor, error) {
			return executor.New(name, 0)
		}
	}
	return &Engine{
		cache:      opts.Cache,
		fetcher:    opts.Fetcher,
		downloader: opts.Downloader,
		transforms: append([]imaging.Transform(nil), opts.Transforms...),
		exec:       opts.Executor,
		execFor:    opts.ExecutorFor,
		emitter:    opts.Emitter,
		clock:      opts.Clock,
		ids:        opts.IDs,
		logger:     opts.Logger,
		sameHost:   opts.SameHostOnly,
	}
}

// Run executes one crawl and blocks until it terminates. It fails fast with
// ErrNotInitialized, ErrInvalidRequest, or ErrAlreadyRunning before touching
// any run state; per-page and per-image I/O failures are contained inside the
// run and only lower the count. When the run context is cancelled, Run
// returns the partial result accumulated so far together with
// ErrRunCancelled.
func (e *Engine) Run(ctx context.Context, req CrawlRequest) (*CrawlResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	root, err := page.NormalizeURL(req.RootURI)
	if err != nil {
		return nil, fmt.Errorf("%w: root uri %q: %v", ErrInvalidRequest, req.RootURI, err)
	}
	if req.MaxDepth < 1 {
		return nil, fmt.Errorf("%w: max depth %d, want >= 1", ErrInvalidRequest, req.MaxDepth)
	}
	exec := e.exec
	if req.Strategy != "" && req.Strategy != exec.Name() {
		if exec, err = e.execFor(req.Strategy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	runCtx, err := e.admit(ctx)
	if err != nil {
		return nil, err
	}

	r := &run{
		engine:   e,
		exec:     exec,
		visited:  newVisitedSet(),
		id:       progress.UUIDToBytes(e.newRunID(req)),
		root:     root,
		maxDepth: req.MaxDepth,
	}
	r.visited.markIfNew(root)

	start := e.clock.Now()
	r.emit(progress.Event{Stage: progress.StageRunStarted, URI: root, Depth: r.maxDepth})
	e.logger.Info("crawl run started",
		zap.String("run_id", r.uuid().String()),
		zap.String("root_uri", root),
		zap.Int("max_depth", req.MaxDepth),
		zap.String("strategy", exec.Name()),
	)

	total, runErr := r.crawlPage(runCtx, root, 1)
	elapsed := e.clock.Now().Sub(start)
	e.finish(elapsed)

	result := &CrawlResult{TotalImages: total, Elapsed: elapsed}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			r.emit(progress.Event{Stage: progress.StageRunCancelled, URI: root, Images: total, Dur: elapsed})
			e.logger.Info("crawl run cancelled",
				zap.String("run_id", r.uuid().String()),
				zap.Int64("total_images", total),
				zap.Duration("elapsed", elapsed),
			)
			return result, ErrRunCancelled
		}
		e.logger.Error("crawl run failed", zap.String("run_id", r.uuid().String()), zap.Error(runErr))
		return result, runErr
	}

	r.emit(progress.Event{Stage: progress.StageRunCompleted, URI: root, Images: total, Dur: elapsed})
	e.logger.Info("crawl run completed",
		zap.String("run_id", r.uuid().String()),
		zap.Int64("total_images", total),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// Cancel signals the active run to stop and reports whether one was
// signalled. The run winds down cooperatively: in-flight downloads may finish
// or abort, no new ones start, and Run returns ErrRunCancelled.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.CompareAndSwap(int32(Running), int32(Cancelling)) {
		return false
	}
	if e.runCancel != nil {
		e.runCancel()
	}
	return true
}

// IsRunning reports whether a run is active, including one winding down
// after Cancel.
func (e *Engine) IsRunning() bool {
	s := e.State()
	return s == Running || s == Cancelling
}

// State reports the engine lifecycle state.
func (e *Engine) State() LifecycleState {
	return LifecycleState(e.state.Load())
}

// ExecutionHistory returns the elapsed milliseconds of every terminated run,
// oldest first. Cancelled and failed runs are recorded like successful ones.
func (e *Engine) ExecutionHistory() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.history...)
}

func (e *Engine) ready() error {
	if e.cache == nil || e.fetcher == nil || e.downloader == nil || e.exec == nil {
		return ErrNotInitialized
	}
	return nil
}

// admit moves the lifecycle to Running and installs the per-run cancel
// function as one step, so a concurrent Cancel either misses the run entirely
// or reliably reaches its context.
func (e *Engine) admit(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	admitted := e.state.CompareAndSwap(int32(Idle), int32(Running)) ||
		e.state.CompareAndSwap(int32(Completed), int32(Running))
	if !admitted {
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	return runCtx, nil
}

// finish records the elapsed time and returns the lifecycle to Completed,
// releasing the run context.
func (e *Engine) finish(elapsed time.Duration) {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.history = append(e.history, elapsed.Milliseconds())
	e.state.Store(int32(Completed))
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) newRunID(req CrawlRequest) uuid.UUID {
	if req.RunID != "" {
		if parsed, err := uuid.Parse(req.RunID); err == nil {
			return parsed
		}
		e.logger.Warn("unparsable run id, generating a fresh one", zap.String("run_id", req.RunID))
	}
	if s, err := e.ids.NewID(); err == nil {
		if parsed, err := uuid.Parse(s); err == nil {
			return parsed
		}
	}
	return uuid.New()
}

// run carries the state shared by every subtree task of one crawl.
type run struct {
	engine   *Engine
	exec     executor.Executor
	visited  *visitedSet
	id       [16]byte
	root     string
	maxDepth int
}

func (r *run) uuid() uuid.UUID {
	return uuid.UUID(r.id)
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = r.id
	if evt.TS.IsZero() {
		evt.TS = r.engine.clock.Now()
	}
	r.engine.emitter.Emit(evt)
}

// crawlPage fetches one page and returns the number of raw images its
// subtree produced. Page-level failures are contained here; only
// cancellation propagates to the caller.
func (r *run) crawlPage(ctx context.Context, uri string, depth int) (int64, error) {
	if depth > r.maxDepth {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var pg *page.Page
	err := r.exec.Block(ctx, func() error {
		var ferr error
		pg, ferr = r.engine.fetcher.Fetch(ctx, uri)
		return ferr
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.engine.logger.Warn("page fetch failed",
			zap.String("uri", uri), zap.Int("depth", depth), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StagePageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return 0, nil
	}
	r.emit(progress.Event{Stage: progress.StagePageFetched, URI: uri, Depth: depth})

	tasks := make([]executor.Task, 0, len(pg.ImageURIs)+len(pg.PageURIs))
	for _, raw := range pg.ImageURIs {
		img, err := page.NormalizeURL(raw)
		if err != nil || !r.visited.markIfNew(img) {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) (int64, error) {
			return r.processImage(ctx, img, depth)
		})
	}
	if depth < r.maxDepth {
		for _, raw := range pg.PageURIs {
			nested, err := page.NormalizeURL(raw)
			if err != nil || !r.visited.markIfNew(nested) {
				continue
			}
			if r.engine.sameHost && !page.SameHost(r.root, nested) {
				continue
			}
			tasks = append(tasks, func(ctx context.Context) (int64, error) {
				return r.crawlPage(ctx, nested, depth+1)
			})
		}
	}
	return r.exec.Invoke(ctx, tasks)
}

// processImage resolves one image URI to a raw cache artifact, downloading at
// most once across every concurrent caller sharing the cache, then
// dispatches transforms. It returns 1 when a raw image was produced for this
// run and 0 otherwise.
func (r *run) processImage(ctx context.Context, uri string, depth int) (int64, error) {
	item, claimed, err := r.engine.cache.InsertIfAbsent(ctx, cache.RawKey(uri))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.engine.logger.Warn("cache claim failed", zap.String("uri", uri), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return 0, nil
	}

	metrics.ObserveClaim(claimed)

	var img *imaging.Image
	if claimed {
		img, err = r.downloadInto(ctx, item, uri, depth)
		if err != nil {
			return 0, err
		}
	} else {
		img = r.readCached(ctx, item, uri, depth)
	}
	if img == nil {
		return 0, nil
	}
	return 1, r.dispatchTransforms(ctx, img)
}

// downloadInto performs the exclusive download for a freshly claimed item.
// Any abort marks the claim failed so later readers short-circuit instead of
// parsing a stream that never arrived. A nil image with nil error means the
// failure was contained.
func (r *run) downloadInto(ctx context.Context, item cache.Item, uri string, depth int) (*imaging.Image, error) {
	if err := ctx.Err(); err != nil {
		r.abandon(item)
		return nil, err
	}

	var data []byte
	err := r.exec.Block(ctx, func() error {
		var derr error
		data, derr = r.engine.downloader.Download(ctx, uri)
		return derr
	})
	if err != nil {
		r.abandon(item)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.engine.logger.Warn("image download failed", zap.String("uri", uri), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil, nil
	}

	img, err := imaging.Decode(uri, data)
	if err != nil {
		r.abandon(item)
		r.engine.logger.Warn("downloaded bytes are not a decodable image",
			zap.String("uri", uri), zap.Int("bytes", len(data)), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil, nil
	}

	if err := r.store(ctx, item, img.Bytes); err != nil {
		r.abandon(item)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.engine.logger.Warn("cache write failed", zap.String("uri", uri), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil, nil
	}

	if !img.Meta.Empty() {
		r.engine.logger.Debug("image metadata extracted",
			zap.String("uri", uri),
			zap.String("camera_make", img.Meta.CameraMake),
			zap.String("camera_model", img.Meta.CameraModel),
			zap.Bool("has_gps", img.Meta.HasGPS),
		)
	}
	r.emit(progress.Event{Stage: progress.StageImageDownloaded, URI: uri, Depth: depth, Bytes: img.Size()})
	return img, nil
}

// readCached recovers the image another caller produced. There is no waiting
// on in-flight writers: a Reserved or Failed artifact yields no image, which
// keeps the run live at the cost of completeness under races.
func (r *run) readCached(ctx context.Context, item cache.Item, uri string, depth int) *imaging.Image {
	rc, err := item.NewReader(ctx)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotReady):
			r.engine.logger.Debug("raw artifact still being produced", zap.String("uri", uri))
		case errors.Is(err, cache.ErrFailed):
			r.engine.logger.Debug("raw artifact marked failed by its producer", zap.String("uri", uri))
		default:
			r.engine.logger.Warn("cache read failed", zap.String("uri", uri), zap.Error(err))
		}
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		r.engine.logger.Warn("cache read failed", zap.String("uri", uri), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil
	}
	img, err := imaging.Decode(uri, data)
	if err != nil {
		r.engine.logger.Warn("cached bytes are not a decodable image", zap.String("uri", uri), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageImageFailed, URI: uri, Depth: depth, Note: err.Error()})
		return nil
	}
	r.emit(progress.Event{Stage: progress.StageImageCached, URI: uri, Depth: depth, Bytes: img.Size()})
	return img
}

// dispatchTransforms claims and stores one artifact per configured transform.
// Transforms are fire-and-store: nothing flows back to the caller, claim
// losses are skipped, and per-transform failures are contained.
func (r *run) dispatchTransforms(ctx context.Context, img *imaging.Image) error {
	if len(r.engine.transforms) == 0 {
		return nil
	}
	tasks := make([]executor.Task, 0, len(r.engine.transforms))
	for _, tr := range r.engine.transforms {
		tasks = append(tasks, func(ctx context.Context) (int64, error) {
			return 0, r.applyTransform(ctx, img, tr)
		})
	}
	_, err := r.exec.Invoke(ctx, tasks)
	return err
}

func (r *run) applyTransform(ctx context.Context, img *imaging.Image, tr imaging.Transform) error {
	key := cache.Key{URI: img.SourceURI, Group: tr.Name()}
	item, claimed, err := r.engine.cache.InsertIfAbsent(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.engine.logger.Warn("transform claim failed",
			zap.String("uri", img.SourceURI), zap.String("transform", tr.Name()), zap.Error(err))
		return nil
	}
	metrics.ObserveClaim(claimed)
	if !claimed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		r.abandon(item)
		return err
	}

	out, err := tr.Apply(ctx, img)
	if err != nil {
		r.abandon(item)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.engine.logger.Warn("transform failed",
			zap.String("uri", img.SourceURI), zap.String("transform", tr.Name()), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageTransformFailed, URI: img.SourceURI, Transform: tr.Name(), Note: err.Error()})
		return nil
	}
	if err := r.store(ctx, item, out.Bytes); err != nil {
		r.abandon(item)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.engine.logger.Warn("transform cache write failed",
			zap.String("uri", img.SourceURI), zap.String("transform", tr.Name()), zap.Error(err))
		r.emit(progress.Event{Stage: progress.StageTransformFailed, URI: img.SourceURI, Transform: tr.Name(), Note: err.Error()})
		return nil
	}
	r.emit(progress.Event{Stage: progress.StageTransformApplied, URI: img.SourceURI, Transform: tr.Name(), Bytes: out.Size()})
	return nil
}

// store writes data through the item's sized write stream; Close commits the
// artifact to Complete.
func (r *run) store(ctx context.Context, item cache.Item, data []byte) error {
	w, err := item.NewWriter(ctx, int64(len(data)))
	if err != nil {
		return fmt.Errorf("open write stream: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// abandon marks an owned claim failed. It runs on its own timeout because the
// run context is often already cancelled when a claim is abandoned.
func (r *run) abandon(item cache.Item) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()
	if err := item.Fail(ctx); err != nil {
		r.engine.logger.Warn("abandoning claim failed",
			zap.String("key", item.Key().String()), zap.Error(err))
	}
}
