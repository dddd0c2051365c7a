package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/engine"
)

func newCrawlCmd() *cobra.Command {
	var (
		depth      int
		strategy   string
		cacheKind  string
		transforms []string
	)

	cmd := &cobra.Command{
		Use:   "crawl <root-uri>",
		Short: "Crawl one root URI and download its images",
		Long: `Runs a single depth-bounded crawl against the configured cache and
history backends and prints the result. Flags override the matching config
file settings for this run only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if depth > 0 {
				cfg.Crawl.MaxDepth = depth
			}
			if strategy != "" {
				cfg.Crawl.Strategy = strategy
			}
			if cacheKind != "" {
				cfg.Cache.Backend = cacheKind
			}
			if len(transforms) > 0 {
				cfg.Crawl.Transforms = transforms
			}

			runner, closeCrawler, err := buildCrawler(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build crawler: %w", err)
			}
			defer func() {
				if cerr := closeCrawler(context.Background()); cerr != nil {
					zap.L().Warn("crawler close failed", zap.Error(cerr))
				}
			}()

			res, err := runner.Run(cmd.Context(), engine.CrawlRequest{
				RootURI:  args[0],
				MaxDepth: cfg.Crawl.MaxDepth,
				Strategy: cfg.Crawl.Strategy,
			})
			if errors.Is(err, engine.ErrRunCancelled) {
				if res != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "crawl cancelled after %s with %d image(s)\n",
						res.Elapsed.Round(time.Millisecond), res.TotalImages)
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "crawled %d image(s) in %s\n",
				res.TotalImages, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "max crawl depth (overrides config)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "execution strategy: sequential, pooled, or cooperative")
	cmd.Flags().StringVar(&cacheKind, "cache", "", "cache backend: memory, fs, gcs, or redis")
	cmd.Flags().StringSliceVar(&transforms, "transforms", nil, "transforms to apply: null, grayscale, sepia, tint")
	return cmd
}
