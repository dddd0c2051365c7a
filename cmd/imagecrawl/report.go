package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imagecrawl/imagecrawl/internal/history"
	"github.com/imagecrawl/imagecrawl/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		limit   int
		status  string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render run history as a markdown report",
		Long: `Reads the configured history backend and writes a markdown report with
a summary table, a status distribution chart, and the most recent runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var statusFilter *history.RunStatus
			if status != "" {
				s := history.RunStatus(strings.ToLower(status))
				if !s.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				statusFilter = &s
			}

			store, closeStore, err := buildHistory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer closeStore()

			records, err := store.List(cmd.Context(), statusFilter, limit, 0)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			if outPath == "" || outPath == "-" {
				return report.Write(cmd.OutOrStdout(), records)
			}
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create report file: %w", err)
			}
			if err := report.Write(f, records); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close report file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum runs to include")
	cmd.Flags().StringVar(&status, "status", "", "only include runs with this status")
	cmd.Flags().StringVar(&outPath, "out", "-", `output file ("-" writes to stdout)`)
	return cmd
}
