// Package engine defines core types shared across subsystems.
package engine

import (
	"context"
	"time"

	"github.com/imagecrawl/imagecrawl/internal/page"
)

// CrawlRequest describes one crawl run. It is immutable once submitted.
type CrawlRequest struct {
	// RunID correlates the run across progress events and history records.
	// Assigned server-side; Run generates one when empty.
	RunID string `json:"-"`
	// RootURI is the page the crawl starts from.
	RootURI string `json:"root_uri"`
	// MaxDepth bounds the recursion; the root page is depth 1.
	MaxDepth int `json:"max_depth"`
	// Strategy optionally overrides the engine's default executor
	// (sequential, pooled, cooperative). Empty selects the default.
	Strategy string `json:"strategy,omitempty"`
}

// CrawlResult summarizes a terminated run.
type CrawlResult struct {
	// TotalImages counts the unique raw images this run produced, whether
	// freshly downloaded or recovered from the shared cache.
	TotalImages int64
	// Elapsed is the wall time between run admission and termination.
	Elapsed time.Duration
}

// Fetcher resolves a page URI into its parsed link structure.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*page.Page, error)
}

// Downloader retrieves the raw bytes of an image URI.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
