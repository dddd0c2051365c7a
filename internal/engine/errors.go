package engine

import "errors"

// Errors surfaced by Run. Per-page and per-image I/O failures are contained
// inside the run and never appear here.
var (
	// ErrNotInitialized reports that a required collaborator (cache, fetcher,
	// downloader, executor) was never supplied.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrAlreadyRunning reports a Run invoked while a prior run on the same
	// instance has not finished.
	ErrAlreadyRunning = errors.New("crawl already running")

	// ErrInvalidRequest reports an unusable crawl request, such as an
	// unparsable root URI, a depth below 1, or an unknown strategy name.
	ErrInvalidRequest = errors.New("invalid crawl request")

	// ErrRunCancelled is the distinct terminal outcome of a cancelled run. Run
	// returns it together with the partial result accumulated before the
	// cancellation was observed.
	ErrRunCancelled = errors.New("crawl run cancelled")
)
