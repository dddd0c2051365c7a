package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()
	if cap(fetcher.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(fetcher.limiter))
	}
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	if got := fetcher.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	fetcher.cfg.NavigationTimeout = time.Second
	if got := fetcher.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestCloneHeaderCopies(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	if len(src["X-Test"]) != 2 {
		t.Fatalf("source header mutated: %+v", src)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestResponseMetaIgnoresSubresources(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 404,
			URL:    "https://example.com/missing.png",
		},
	})
	status, _, url := meta.snapshotWithFallbacks("https://req", "")
	if status != http.StatusOK || url != "https://req" {
		t.Fatalf("expected image responses to be ignored, got status=%d url=%s", status, url)
	}
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	if _, err := fetcher.Get(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected error from noop fetcher")
	}
}
