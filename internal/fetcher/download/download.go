// Package download retrieves raw image bytes for the crawl engine. The
// politeness machinery the page path gets from its collector lives here
// instead: robots checks, per-host pacing, and the blocklist all run before
// any request leaves.
package download

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/fetcher"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
)

// Limiter spaces requests to the same host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RobotsPolicy answers whether a URL may be fetched at all.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Gate vetoes image URIs and tracks hosts that answer 403.
type Gate interface {
	AllowImage(rawURL string) bool
	MarkForbidden(host string) bool
}

// Options wires a Downloader. Every collaborator may be nil, which disables
// the corresponding check.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps a single image. Defaults to 32 MiB.
	MaxBytes int64
	// MaxAttempts bounds tries per image, the first included. Defaults to 3.
	MaxAttempts int
	ProxyURL    string

	Limiter Limiter
	Robots  RobotsPolicy
	Gate    Gate
	Logger  *zap.Logger
}

// Downloader fetches image bytes over HTTP with retry, decompression, and a
// hard size cap.
type Downloader struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	retry     *retryPolicy
	limiter   Limiter
	robots    RobotsPolicy
	gate      Gate
	logger    *zap.Logger
}

// New constructs a Downloader.
func New(opts Options) (*Downloader, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	transport := &http.Transport{
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
	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Downloader{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		retry:     newRetryPolicy(opts.MaxAttempts),
		limiter:   opts.Limiter,
		robots:    opts.Robots,
		gate:      opts.Gate,
		logger:    opts.Logger,
	}, nil
}

// Download fetches the raw bytes of uri, retrying transient failures.
func (d *Downloader) Download(ctx context.Context, uri string) ([]byte, error) {
	if d.gate != nil && !d.gate.AllowImage(uri) {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrDisallowed, uri)
	}
	if d.robots != nil && !d.robots.Allowed(ctx, uri) {
		return nil, fmt.Errorf("%w: robots.txt forbids %s", fetcher.ErrDisallowed, uri)
	}

	host := hostOf(uri)
	for attempt := 1; ; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, uri); err != nil {
				return nil, err
			}
		}

		body, err := d.fetchOnce(ctx, uri)
		if err == nil {
			return body, nil
		}

		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusForbidden && d.gate != nil {
			d.gate.MarkForbidden(host)
		}
		if !d.retry.shouldRetry(err, attempt) {
			return nil, err
		}

		metrics.ObserveDownloadRetry(host)
		d.logger.Debug("retrying image download",
			zap.String("uri", uri),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if serr := sleepWithContext(ctx, d.retry.backoff(attempt)); serr != nil {
			return nil, err
		}
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode, uri: uri}
	}
	return d.readBody(resp, uri)
}

// readBody decodes whatever Content-Encoding the server chose and enforces
// the byte cap on the decoded stream.
func (d *Downloader) readBody(resp *http.Response, uri string) ([]byte, error) {
	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, d.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", uri, err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, fmt.Errorf("image %s exceeds limit of %d bytes", uri, d.maxBytes)
	}
	return body, nil
}

type statusError struct {
	status int
	uri    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download %s: status %d", e.uri, e.status)
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return parsed.Hostname()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
