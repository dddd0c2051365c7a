// Package collyfetcher implements the static document client using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/imagecrawl/imagecrawl/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps how much of a document the collector buffers.
	// Zero keeps colly's default.
	MaxBodyBytes int
}

// Fetcher retrieves documents with a Colly collector. The zero-state
// collector is cloned per request so concurrent fetches never share
// callbacks.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))

	// Robots probes ride the same transport; give them the retry wrapper
	// so a flaky TLS handshake on /robots.txt cannot sink the page fetch.
	transport := newRobotsRetryTransport(newHTTPTransport())
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET using Colly. The returned Response carries
// whatever status the server answered even when err is non-nil, so callers
// can react to 403s and friends.
func (f *Fetcher) Get(ctx context.Context, uri string) (fetcher.Response, error) {
	var (
		result   fetcher.Response
		fetchErr error
	)
	result.URI = uri
	start := time.Now()
	collector := f.buildCollector(uri, start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, uri, &fetchErr)
	return result, err
}

func (f *Fetcher) buildCollector(
	uri string,
	start time.Time,
	result *fetcher.Response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}

	transport := f.transport
	if transport == nil {
		transport = newRobotsRetryTransport(newHTTPTransport())
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, uri, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	uri string,
	start time.Time,
	result *fetcher.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = fetcher.Response{
			URI:        uri,
			FinalURI:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, uri string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(uri)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", uri, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", uri, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", uri, *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
