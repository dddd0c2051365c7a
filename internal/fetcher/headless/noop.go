package headless

import (
	"context"
	"errors"

	"github.com/imagecrawl/imagecrawl/internal/fetcher"
)

// Noop stands in for the browser client when headless rendering is disabled
// and always reports the render as unavailable.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Get returns an error since this is a stub implementation.
func (Noop) Get(_ context.Context, _ string) (fetcher.Response, error) {
	return fetcher.Response{}, errors.New("headless fetcher not configured")
}
