// Package gcs implements a cache.Store backed by Google Cloud Storage.
//
// The claim uses a conditional create (DoesNotExist) of a .claim marker
// object: GCS preconditions make the create atomic, so exactly one caller
// per key observes success even across machines. The artifact object itself
// becomes visible atomically when its writer is closed.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/imagecrawl/imagecrawl/internal/cache"
	"github.com/imagecrawl/imagecrawl/internal/hash/sha256"
)

const (
	dataSuffix   = ".img"
	claimSuffix  = ".claim"
	failedSuffix = ".failed"
)

// Config captures the parameters required to reach the bucket.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix namespaces all cache objects inside the bucket.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Cache is a GCS-backed cache.Store.
type Cache struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS cache over an existing client.
func New(client *storage.Client, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "imagecrawl"
	}
	return &Cache{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// InsertIfAbsent claims key by conditionally creating its claim marker.
func (c *Cache) InsertIfAbsent(ctx context.Context, key cache.Key) (cache.Item, bool, error) {
	base := c.basePath(key)
	obj := c.client.Bucket(c.bucket).Object(base + claimSuffix)

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "text/plain"
	_, writeErr := fmt.Fprintf(w, "%s\n%s\n", key.Group, key.URI)
	closeErr := w.Close()
	if writeErr == nil && closeErr == nil {
		return &item{cache: c, key: key, base: base, state: cache.StateReserved, owned: true}, true, nil
	}

	// The conditional create rejects when the marker already exists. Rather
	// than inspecting transport-specific status codes, probe the current
	// state; a genuine outage surfaces as the probe failing too.
	state, probeErr := c.stateOf(ctx, base)
	if probeErr != nil {
		if errors.Is(probeErr, cache.ErrNotFound) {
			if closeErr != nil {
				return nil, false, fmt.Errorf("claim %s: %w", key, closeErr)
			}
			return nil, false, fmt.Errorf("claim %s: %w", key, writeErr)
		}
		return nil, false, probeErr
	}
	return &item{cache: c, key: key, base: base, state: state}, false, nil
}

// Open returns a handle for an existing item.
func (c *Cache) Open(ctx context.Context, key cache.Key) (cache.Item, error) {
	base := c.basePath(key)
	state, err := c.stateOf(ctx, base)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("open %s: %w", key, cache.ErrNotFound)
		}
		return nil, err
	}
	return &item{cache: c, key: key, base: base, state: state}, nil
}

// Keys lists complete artifacts by scanning the prefix and resolving each
// data object back to its key through the claim marker contents.
func (c *Cache) Keys(ctx context.Context) ([]cache.Key, error) {
	var keys []cache.Key
	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: c.prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list cache objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, dataSuffix) {
			continue
		}
		claimName := strings.TrimSuffix(attrs.Name, dataSuffix) + claimSuffix
		key, readErr := c.readClaim(ctx, claimName)
		if readErr != nil {
			return nil, readErr
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (c *Cache) basePath(key cache.Key) string {
	digest := sha256.SumString(key.URI)
	group := strings.Trim(key.Group, "/")
	return path.Join(c.prefix, group, digest[:2], digest[2:])
}

func (c *Cache) stateOf(ctx context.Context, base string) (cache.State, error) {
	bucket := c.client.Bucket(c.bucket)
	if _, err := bucket.Object(base + dataSuffix).Attrs(ctx); err == nil {
		return cache.StateComplete, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return cache.StateReserved, fmt.Errorf("stat artifact: %w", err)
	}
	if _, err := bucket.Object(base + failedSuffix).Attrs(ctx); err == nil {
		return cache.StateFailed, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return cache.StateReserved, fmt.Errorf("stat failed marker: %w", err)
	}
	if _, err := bucket.Object(base + claimSuffix).Attrs(ctx); err == nil {
		return cache.StateReserved, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return cache.StateReserved, fmt.Errorf("stat claim marker: %w", err)
	}
	return cache.StateReserved, cache.ErrNotFound
}

func (c *Cache) readClaim(ctx context.Context, name string) (cache.Key, error) {
	r, err := c.client.Bucket(c.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return cache.Key{}, fmt.Errorf("read claim marker %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return cache.Key{}, fmt.Errorf("read claim marker %s: %w", name, err)
	}
	lines := strings.SplitN(string(raw), "\n", 3)
	if len(lines) < 2 {
		return cache.Key{}, fmt.Errorf("claim marker %s: malformed", name)
	}
	return cache.Key{Group: lines[0], URI: lines[1]}, nil
}

type item struct {
	cache *Cache
	key   cache.Key
	base  string
	state cache.State
	owned bool
}

func (i *item) Key() cache.Key     { return i.key }
func (i *item) State() cache.State { return i.state }

// NewWriter streams the artifact object; it becomes visible on Close.
func (i *item) NewWriter(ctx context.Context, size int64) (io.WriteCloser, error) {
	if !i.owned {
		return nil, fmt.Errorf("write %s: claim not owned by this handle", i.key)
	}
	w := i.cache.client.Bucket(i.cache.bucket).Object(i.base + dataSuffix).NewWriter(ctx)
	if size > 0 && size < int64(w.ChunkSize) {
		// Small artifacts upload in a single request.
		w.ChunkSize = int(size)
	}
	return &writer{item: i, w: w}, nil
}

func (i *item) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := i.cache.client.Bucket(i.cache.bucket).Object(i.base + dataSuffix).NewReader(ctx)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("read %s: %w", i.key, err)
	}
	state, stErr := i.cache.stateOf(ctx, i.base)
	if stErr != nil && !errors.Is(stErr, cache.ErrNotFound) {
		return nil, stErr
	}
	if state == cache.StateFailed {
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrFailed)
	}
	return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrNotReady)
}

// Fail records the failure marker object.
func (i *item) Fail(ctx context.Context) error {
	if state, err := i.cache.stateOf(ctx, i.base); err == nil && state == cache.StateComplete {
		return nil
	}
	obj := i.cache.client.Bucket(i.cache.bucket).Object(i.base + failedSuffix)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(nil)); err != nil {
		_ = w.Close()
		return fmt.Errorf("mark failed %s: %w", i.key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mark failed %s: %w", i.key, err)
	}
	i.state = cache.StateFailed
	return nil
}

type writer struct {
	item   *item
	w      *storage.Writer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", w.item.key, err)
	}
	w.item.state = cache.StateComplete
	return nil
}
