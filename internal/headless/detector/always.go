package detector

import "github.com/imagecrawl/imagecrawl/internal/fetcher"

// Always promotes every static fetch to a headless render. It backs the
// "always" renderer mode, where script-built pages are assumed throughout.
type Always struct{}

// ShouldPromote promotes everything that has not been rendered yet.
func (Always) ShouldPromote(resp fetcher.Response) bool {
	return !resp.Rendered
}
