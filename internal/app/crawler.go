package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/clock/system"
	"github.com/imagecrawl/imagecrawl/internal/config"
	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	"github.com/imagecrawl/imagecrawl/internal/history"
	"github.com/imagecrawl/imagecrawl/internal/id/uuid"
	"github.com/imagecrawl/imagecrawl/internal/logging"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/progress"
	progresssinks "github.com/imagecrawl/imagecrawl/internal/progress/sinks"
)

// Crawler is the one-shot assembly behind the crawl command: one engine over
// the configured cache and history backends, no queue and no HTTP surface.
type Crawler struct {
	Engine *engine.Engine
	Runs   history.RunStore

	app *App
}

// BuildCrawler wires a single engine from cfg. Run history is recorded
// through the store sink, so one-shot runs land in the same history the
// server reads.
func BuildCrawler(ctx context.Context, cfg config.Config) (*Crawler, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}

	artifactCache, err := setupCache(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupHistory(ctx, app); err != nil {
		return nil, err
	}
	app.hub = progress.NewHub(
		progress.Config{Logger: logger.Named("progress_hub")},
		progresssinks.NewLogSink(logger.Named("progress_log")),
		progresssinks.NewStoreSink(app.runStore, logger.Named("progress_store")),
	)
	stack, err := buildCrawlStack(app)
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(cfg.Crawl.Strategy, cfg.Crawl.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("executor init failed: %w", err)
	}

	eng := engine.New(engine.Options{
		Cache:        artifactCache,
		Fetcher:      stack.fetcher,
		Downloader:   stack.downloader,
		Transforms:   stack.transforms,
		Executor:     exec,
		Emitter:      app.hub,
		Clock:        system.New(),
		IDs:          uuid.NewUUIDGenerator(),
		Logger:       logger.Named("engine"),
		SameHostOnly: cfg.Crawl.SameHostOnly,
	})
	return &Crawler{Engine: eng, Runs: app.runStore, app: app}, nil
}

// Close drains the progress hub and releases the backends.
func (c *Crawler) Close(ctx context.Context) error {
	return c.app.Close(ctx)
}

// BuildHistoryStore opens only the run history backend from cfg. The report
// command reads history without paying for the crawl stack. The returned
// func releases the backend.
func BuildHistoryStore(ctx context.Context, cfg config.Config) (history.RunStore, func(), error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	if err := setupHistory(ctx, app); err != nil {
		return nil, nil, err
	}
	closer := func() { app.closeInfrastructure(context.Background()) }
	return app.runStore, closer, nil
}
