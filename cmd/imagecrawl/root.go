package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imagecrawl/imagecrawl/internal/app"
	"github.com/imagecrawl/imagecrawl/internal/config"
	"github.com/imagecrawl/imagecrawl/internal/engine"
)

var cfgFile string

// serveApp is the slice of app.App the serve command drives.
type serveApp interface {
	Run(ctx context.Context) error
}

// crawlRunner is the slice of engine.Engine the crawl command drives.
type crawlRunner interface {
	Run(ctx context.Context, req engine.CrawlRequest) (*engine.CrawlResult, error)
}

// Assembly factories are variables so command tests can swap in stubs
// without booting real backends.
var (
	buildApp = func(ctx context.Context, cfg config.Config) (serveApp, error) {
		return app.Build(ctx, cfg)
	}
	buildCrawler = func(ctx context.Context, cfg config.Config) (crawlRunner, func(context.Context) error, error) {
		c, err := app.BuildCrawler(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return c.Engine, c.Close, nil
	}
	buildHistory = app.BuildHistoryStore
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imagecrawl",
		Short: "A depth-bounded image crawler with a shared artifact cache.",
		Long: `imagecrawl walks pages from a root URI, downloads every image it finds
into a claim-based artifact cache, and applies configured transforms to each
download. It runs either as a long-lived service with an HTTP run-management
API or as a one-shot crawl from the command line.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (built-in defaults apply when unset)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Cancelled crawls exit with a distinct code so wrappers can tell an
// interrupted run from a hard failure.
const exitCancelled = 2

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, engine.ErrRunCancelled) {
			os.Exit(exitCancelled)
		}
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
