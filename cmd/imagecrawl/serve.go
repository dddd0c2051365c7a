package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl API server and its worker pool",
		Long: `Starts the HTTP API, the run queue, and the crawl workers, then blocks
until SIGINT or SIGTERM. Runs submitted over the API are drained by the
worker pool and recorded in the configured history backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
