package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/imagecrawl/imagecrawl/internal/cache"
	"github.com/imagecrawl/imagecrawl/internal/cache/gcs"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// fakeBucket serves the slice of the storage JSON API the claim protocol
// touches: multipart uploads with an ifGenerationMatch=0 precondition and
// object metadata probes. Everything else is a 404, which is exactly what
// the reader path expects for a missing artifact.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) roundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(r.URL.Path, "/upload/storage/v1/b/test-bucket/o"):
		name := r.URL.Query().Get("name")
		if r.URL.Query().Get("ifGenerationMatch") == "0" {
			if _, ok := f.objects[name]; ok {
				return jsonResponse(r, http.StatusPreconditionFailed, `{}`), nil
			}
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		f.objects[name] = body
		return jsonResponse(r, http.StatusOK, fmt.Sprintf(`{"bucket":"test-bucket","name":%q}`, name)), nil

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/storage/v1/b/test-bucket/o/"):
		name := strings.TrimPrefix(r.URL.Path, "/storage/v1/b/test-bucket/o/")
		if _, ok := f.objects[name]; ok {
			return jsonResponse(r, http.StatusOK, fmt.Sprintf(`{"bucket":"test-bucket","name":%q}`, name)), nil
		}
		return jsonResponse(r, http.StatusNotFound, `{}`), nil

	default:
		return jsonResponse(r, http.StatusNotFound, `{}`), nil
	}
}

func (f *fakeBucket) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.objects {
		out = append(out, name)
	}
	return out
}

func jsonResponse(r *http.Request, code int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
		Request:    r,
	}
}

func newTestCache(t *testing.T) (*gcs.Cache, *fakeBucket) {
	t.Helper()

	fake := newFakeBucket()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: roundTripperFunc(fake.roundTrip)}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c, err := gcs.New(client, gcs.Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return c, fake
}

func TestNew_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage client")
}

func TestNew_RejectsEmptyBucket(t *testing.T) {
	fake := newFakeBucket()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: roundTripperFunc(fake.roundTrip)}),
	)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name")
}

func TestInsertIfAbsent_WinsFreshClaim(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	item, ok, err := c.InsertIfAbsent(ctx, cache.RawKey("https://example.com/a.png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cache.StateReserved, item.State())

	names := fake.names()
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "imagecrawl/raw/"), "claim under the default prefix, got %s", names[0])
	assert.True(t, strings.HasSuffix(names[0], ".claim"))
}

func TestInsertIfAbsent_SecondCallerSeesCommittedArtifact(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.RawKey("https://example.com/b.png")

	item, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	w, err := item.NewWriter(ctx, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("image bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, cache.StateComplete, item.State())

	again, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, cache.StateComplete, again.State())
}

func TestInsertIfAbsent_SecondCallerSeesReservedClaim(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.RawKey("https://example.com/c.png")

	_, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, cache.StateReserved, again.State())
}

func TestOpen_MissingKey(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Open(context.Background(), cache.RawKey("https://example.com/missing.png"))
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFail_ReadersShortCircuit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.RawKey("https://example.com/d.png")

	item, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, item.Fail(ctx))
	assert.Equal(t, cache.StateFailed, item.State())

	reopened, err := c.Open(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cache.StateFailed, reopened.State())

	_, err = reopened.NewReader(ctx)
	require.ErrorIs(t, err, cache.ErrFailed)
}

func TestNewWriter_RequiresOwnedClaim(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.RawKey("https://example.com/e.png")

	_, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	loser, ok, err := c.InsertIfAbsent(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = loser.NewWriter(ctx, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim not owned")
}
