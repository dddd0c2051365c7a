// Package fetcher turns page URIs into parsed documents. The concrete HTTP
// and browser clients live in subpackages; this package owns the raw
// Response they produce and the Composite that decides when a static fetch
// needs a browser render before its images can be trusted.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/page"
)

// ErrDisallowed reports a URI the crawl policy refuses to touch. Callers can
// distinguish it from transport failures with errors.Is.
var ErrDisallowed = errors.New("uri disallowed by crawl policy")

// Response is one raw document fetch before parsing.
type Response struct {
	// URI is the address the fetch was asked for.
	URI string
	// FinalURI is the address the document actually came from, after
	// redirects. Relative references resolve against it.
	FinalURI   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Rendered marks responses produced by a headless browser.
	Rendered bool
}

// Client retrieves one raw document.
type Client interface {
	Get(ctx context.Context, uri string) (Response, error)
}

// Detector decides whether a static response is a script-built shell that
// needs a browser render before its markup is complete.
type Detector interface {
	ShouldPromote(resp Response) bool
}

// Limiter spaces requests to the same host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Gate vetoes page URIs before any request leaves and tracks hosts that
// answer 403.
type Gate interface {
	AllowPage(rawURL string) bool
	MarkForbidden(host string) bool
}

// Options wires a Composite. Primary is required; every other collaborator
// may be nil, which disables the corresponding behavior.
type Options struct {
	Primary  Client
	Headless Client
	Detector Detector
	Limiter  Limiter
	Gate     Gate
	Logger   *zap.Logger
}

// Composite is the page fetcher the crawl engine runs against. It applies
// the crawl policy, fetches through the primary client, and re-fetches with
// the headless client when the detector flags a script-built page. Render
// failures fall back to the static document rather than failing the page.
type Composite struct {
	primary  Client
	headless Client
	detector Detector
	limiter  Limiter
	gate     Gate
	logger   *zap.Logger
}

// New builds a Composite from its collaborators.
func New(opts Options) (*Composite, error) {
	if opts.Primary == nil {
		return nil, errors.New("primary client is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Composite{
		primary:  opts.Primary,
		headless: opts.Headless,
		detector: opts.Detector,
		limiter:  opts.Limiter,
		gate:     opts.Gate,
		logger:   opts.Logger,
	}, nil
}

// Fetch retrieves uri and reduces it to its image and nested-page URIs.
func (c *Composite) Fetch(ctx context.Context, uri string) (*page.Page, error) {
	if c.gate != nil && !c.gate.AllowPage(uri) {
		return nil, fmt.Errorf("%w: %s", ErrDisallowed, uri)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, uri); err != nil {
			return nil, err
		}
	}

	resp, err := c.primary.Get(ctx, uri)
	if err != nil {
		c.noteForbidden(uri, resp.StatusCode)
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.noteForbidden(uri, resp.StatusCode)
		return nil, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}

	resp = c.maybeRender(ctx, uri, resp)

	final := resp.FinalURI
	if final == "" {
		final = uri
	}
	return page.Parse(final, resp.Body)
}

func (c *Composite) maybeRender(ctx context.Context, uri string, resp Response) Response {
	if c.headless == nil || c.detector == nil || !c.detector.ShouldPromote(resp) {
		return resp
	}
	c.logger.Debug("promoting fetch to headless render", zap.String("uri", uri))
	rendered, err := c.headless.Get(ctx, uri)
	if err != nil {
		c.logger.Warn("headless render failed; using static document",
			zap.String("uri", uri),
			zap.Error(err))
		return resp
	}
	return rendered
}

func (c *Composite) noteForbidden(uri string, status int) {
	if c.gate == nil || status != http.StatusForbidden {
		return
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Hostname() == "" {
		return
	}
	if c.gate.MarkForbidden(parsed.Hostname()) {
		c.logger.Warn("host banned after repeated 403 responses",
			zap.String("host", parsed.Hostname()))
	}
}
