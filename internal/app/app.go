// Package app assembles the service from its configured collaborators and
// owns startup and shutdown ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/api"
	"github.com/imagecrawl/imagecrawl/internal/cache"
	fscache "github.com/imagecrawl/imagecrawl/internal/cache/fs"
	gcscache "github.com/imagecrawl/imagecrawl/internal/cache/gcs"
	memorycache "github.com/imagecrawl/imagecrawl/internal/cache/memory"
	rediscache "github.com/imagecrawl/imagecrawl/internal/cache/redis"
	"github.com/imagecrawl/imagecrawl/internal/clock/system"
	"github.com/imagecrawl/imagecrawl/internal/config"
	"github.com/imagecrawl/imagecrawl/internal/dispatcher"
	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	"github.com/imagecrawl/imagecrawl/internal/fetcher"
	collyfetcher "github.com/imagecrawl/imagecrawl/internal/fetcher/colly"
	"github.com/imagecrawl/imagecrawl/internal/fetcher/download"
	headlessfetcher "github.com/imagecrawl/imagecrawl/internal/fetcher/headless"
	"github.com/imagecrawl/imagecrawl/internal/headless/detector"
	"github.com/imagecrawl/imagecrawl/internal/history"
	memoryhistory "github.com/imagecrawl/imagecrawl/internal/history/memory"
	postgreshistory "github.com/imagecrawl/imagecrawl/internal/history/postgres"
	sqlitehistory "github.com/imagecrawl/imagecrawl/internal/history/sqlite"
	"github.com/imagecrawl/imagecrawl/internal/id/uuid"
	"github.com/imagecrawl/imagecrawl/internal/imaging"
	"github.com/imagecrawl/imagecrawl/internal/logging"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/policy/filter"
	"github.com/imagecrawl/imagecrawl/internal/policy/ratelimit"
	"github.com/imagecrawl/imagecrawl/internal/policy/robots"
	"github.com/imagecrawl/imagecrawl/internal/progress"
	progresssinks "github.com/imagecrawl/imagecrawl/internal/progress/sinks"
	"github.com/imagecrawl/imagecrawl/internal/publisher"
	kafkapublisher "github.com/imagecrawl/imagecrawl/internal/publisher/kafka"
	pubsubpublisher "github.com/imagecrawl/imagecrawl/internal/publisher/pubsub"
	queuememory "github.com/imagecrawl/imagecrawl/internal/queue/memory"
	"github.com/imagecrawl/imagecrawl/internal/worker"
)

// App holds the assembled service. Build wires it, Run drives it until a
// signal or context cancellation, Close releases everything in reverse
// dependency order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queuememory.Queue
	hub       *progress.Hub

	headless      *headlessfetcher.Fetcher
	publisher     publisher.Publisher
	runStore      history.RunStore
	sqliteStore   *sqlitehistory.Store
	postgresStore *postgreshistory.Store
	gcsClient     *storage.Client
	redisClient   *redis.Client
}

// Build creates the serving assembly: cache, history, publisher, progress
// hub, worker engines, dispatcher, and the HTTP API, all chosen from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("addr", cfg.Server.Addr),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("history_backend", cfg.History.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
		zap.Int("workers", cfg.Queue.Workers),
	)

	artifactCache, err := setupCache(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupHistory(ctx, app); err != nil {
		return nil, err
	}
	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupServeProgress(app)
	if err != nil {
		return nil, err
	}
	stack, err := buildCrawlStack(app)
	if err != nil {
		return nil, err
	}

	app.queue = queuememory.NewQueue(cfg.Queue.Capacity)
	if err := setupWorkers(app, artifactCache, pub, emitter, stack); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(
		app.runStore,
		app.dispatch,
		uuid.NewUUIDGenerator(),
		system.New(),
		cfg,
		logger.Named("api"),
	)
	return app, nil
}

// Run starts the dispatcher and HTTP server and blocks until a signal
// arrives or ctx is cancelled, then drains and closes the app.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close shuts the app down: stop admitting work, drain the progress hub,
// then release backends and clients.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite history close failed", zap.Error(err))
		}
	}
	if a.postgresStore != nil {
		a.postgresStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func setupCache(ctx context.Context, app *App) (cache.Store, error) {
	switch app.cfg.Cache.Backend {
	case config.CacheGCS:
		var err error
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		c, err := gcscache.New(app.gcsClient, app.cfg.Cache.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs cache init failed: %w", err)
		}
		app.logger.Info("using gcs artifact cache", zap.String("bucket", app.cfg.Cache.GCS.Bucket))
		return c, nil
	case config.CacheRedis:
		app.redisClient = rediscache.NewClient(app.cfg.Cache.Redis)
		c, err := rediscache.New(app.redisClient, app.cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		app.logger.Info("using redis artifact cache", zap.String("addr", app.cfg.Cache.Redis.Addr))
		return c, nil
	case config.CacheFS:
		c, err := fscache.New(app.cfg.Cache.FS)
		if err != nil {
			return nil, fmt.Errorf("fs cache init failed: %w", err)
		}
		app.logger.Info("using filesystem artifact cache", zap.String("root", c.Root()))
		return c, nil
	case config.CacheMemory:
		app.logger.Info("using in-memory artifact cache")
		return memorycache.New(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", app.cfg.Cache.Backend)
	}
}

func setupHistory(ctx context.Context, app *App) error {
	switch app.cfg.History.Backend {
	case config.HistorySQLite:
		st, err := sqlitehistory.Open(app.cfg.History.Path)
		if err != nil {
			return fmt.Errorf("sqlite history init failed: %w", err)
		}
		app.sqliteStore = st
		app.runStore = st
		app.logger.Info("using sqlite run history", zap.String("path", app.cfg.History.Path))
	case config.HistoryPostgres:
		st, err := postgreshistory.New(ctx, postgreshistory.Config{DSN: app.cfg.History.DSN})
		if err != nil {
			return fmt.Errorf("postgres history init failed: %w", err)
		}
		app.postgresStore = st
		app.runStore = st
		app.logger.Info("using postgres run history")
	case config.HistoryMemory:
		app.runStore = memoryhistory.New()
		app.logger.Info("using in-memory run history")
	default:
		return fmt.Errorf("unknown history backend: %s", app.cfg.History.Backend)
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	switch app.cfg.Publisher.Backend {
	case config.PublisherPubSub:
		pub, err := pubsubpublisher.New(ctx, app.cfg.Publisher.ProjectID, app.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.publisher = pub
		app.logger.Info("pub/sub completion publisher initialized",
			zap.String("project", app.cfg.Publisher.ProjectID),
			zap.String("topic", app.cfg.Publisher.Topic),
		)
		return pub, nil
	case config.PublisherKafka:
		pub := kafkapublisher.New(app.cfg.Publisher.Brokers, app.cfg.Publisher.Topic)
		app.publisher = pub
		app.logger.Info("kafka completion publisher initialized",
			zap.Strings("brokers", app.cfg.Publisher.Brokers),
			zap.String("topic", app.cfg.Publisher.Topic),
		)
		return pub, nil
	case config.PublisherNone:
		app.logger.Info("completion publishing disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", app.cfg.Publisher.Backend)
	}
}

// Progress collectors register against the process-wide default registry,
// so they are created once no matter how many apps a process builds.
var (
	promSinkOnce sync.Once
	promSink     *progresssinks.PrometheusSink
	promSinkErr  error
)

func prometheusSink() (*progresssinks.PrometheusSink, error) {
	promSinkOnce.Do(func() {
		promSink, promSinkErr = progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	})
	return promSink, promSinkErr
}

// setupServeProgress wires the serving hub. The store sink stays out of this
// path: the worker already owns run history writes and a second writer would
// race it.
func setupServeProgress(app *App) (progress.Emitter, error) {
	sink, err := prometheusSink()
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	app.hub = progress.NewHub(
		progress.Config{Logger: app.logger.Named("progress_hub")},
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		sink,
	)
	return app.hub, nil
}

// crawlStack is the fetch-and-download pipeline every engine shares. Engines
// stay per-worker because each admits one run; the stack underneath is
// stateless apart from the policies, which are process-wide on purpose.
type crawlStack struct {
	fetcher    *fetcher.Composite
	downloader *download.Downloader
	transforms []imaging.Transform
}

func buildCrawlStack(app *App) (*crawlStack, error) {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawl.RateLimit.RPS,
		DefaultBurst: cfg.Crawl.RateLimit.Burst,
	})
	gate := filter.New(filter.Config{
		BlockedHosts:       cfg.Crawl.BlockedHosts,
		ImageExtensions:    cfg.Crawl.ImageExtensions,
		ForbiddenThreshold: cfg.Crawl.ForbiddenThreshold,
	})
	robotsPolicy := robots.New(cfg.Crawl.RespectRobots, cfg.Crawl.UserAgent, app.logger.Named("robots"))

	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawl.UserAgent,
		RespectRobots: cfg.Crawl.RespectRobots,
		Timeout:       cfg.Crawl.FetchTimeout,
		MaxBodyBytes:  cfg.Crawl.MaxBodyBytes,
	})
	app.logger.Info("using colly page fetcher", zap.String("user_agent", cfg.Crawl.UserAgent))

	headlessClient, detect, err := setupRenderer(app)
	if err != nil {
		return nil, err
	}

	composite, err := fetcher.New(fetcher.Options{
		Primary:  primary,
		Headless: headlessClient,
		Detector: detect,
		Limiter:  limiter,
		Gate:     gate,
		Logger:   app.logger.Named("fetcher"),
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	dl, err := download.New(download.Options{
		UserAgent:   cfg.Crawl.UserAgent,
		Timeout:     cfg.Crawl.FetchTimeout,
		MaxBytes:    cfg.Crawl.MaxImageBytes,
		MaxAttempts: cfg.Crawl.DownloadAttempts,
		ProxyURL:    cfg.Crawl.ProxyURL,
		Limiter:     limiter,
		Robots:      robotsPolicy,
		Gate:        gate,
		Logger:      app.logger.Named("download"),
	})
	if err != nil {
		return nil, fmt.Errorf("downloader init failed: %w", err)
	}

	transforms, err := imaging.BuiltIn().Resolve(cfg.Crawl.Transforms)
	if err != nil {
		return nil, fmt.Errorf("transform config: %w", err)
	}

	return &crawlStack{fetcher: composite, downloader: dl, transforms: transforms}, nil
}

// setupRenderer picks the headless client and promotion detector for the
// configured renderer mode. In auto mode a browser that fails to start only
// costs renders, so the error is logged and fetches stay static. In always
// mode the browser is the point, so the error is fatal.
func setupRenderer(app *App) (fetcher.Client, fetcher.Detector, error) {
	rcfg := app.cfg.Renderer
	switch rcfg.Mode {
	case config.RendererOff:
		app.logger.Info("headless rendering disabled")
		return nil, nil, nil
	case config.RendererAlways:
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       rcfg.MaxParallel,
			UserAgent:         app.cfg.Crawl.UserAgent,
			NavigationTimeout: rcfg.NavTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = hf
		app.logger.Info("rendering every page", zap.Int("max_parallel", rcfg.MaxParallel))
		return hf, detector.Always{}, nil
	case config.RendererAuto:
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       rcfg.MaxParallel,
			UserAgent:         app.cfg.Crawl.UserAgent,
			NavigationTimeout: rcfg.NavTimeout,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed; staying static", zap.Error(err))
			return nil, nil, nil
		}
		app.headless = hf
		app.logger.Info("headless rendering on promotion",
			zap.Int("max_parallel", rcfg.MaxParallel),
			zap.Int("body_threshold", rcfg.BodyThreshold),
		)
		return hf, detector.NewHeuristic(rcfg.BodyThreshold), nil
	default:
		return nil, nil, fmt.Errorf("unknown renderer mode: %s", rcfg.Mode)
	}
}

func setupWorkers(
	app *App,
	artifactCache cache.Store,
	pub publisher.Publisher,
	emitter progress.Emitter,
	stack *crawlStack,
) error {
	cfg := app.cfg
	clock := system.New()

	workers := make([]*worker.Worker, 0, cfg.Queue.Workers)
	for i := 0; i < cfg.Queue.Workers; i++ {
		exec, err := executor.New(cfg.Crawl.Strategy, cfg.Crawl.PoolSize)
		if err != nil {
			return fmt.Errorf("executor init failed: %w", err)
		}
		eng := engine.New(engine.Options{
			Cache:        artifactCache,
			Fetcher:      stack.fetcher,
			Downloader:   stack.downloader,
			Transforms:   stack.transforms,
			Executor:     exec,
			Emitter:      emitter,
			Clock:        clock,
			IDs:          uuid.NewUUIDGenerator(),
			Logger:       app.logger.Named("engine").With(zap.Int("index", i)),
			SameHostOnly: cfg.Crawl.SameHostOnly,
		})
		workers = append(workers, worker.New(
			app.queue,
			app.runStore,
			eng,
			pub,
			clock,
			worker.Config{Topic: cfg.Publisher.Topic},
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, workers)
	return nil
}
