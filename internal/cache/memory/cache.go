// Package memory stores cache items in process memory for tests and
// development runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/imagecrawl/imagecrawl/internal/cache"
)

// Cache is an in-memory cache.Store. A single mutex covers the item map,
// which makes the insert-if-absent claim trivially linearizable.
type Cache struct {
	mu    sync.Mutex
	items map[cache.Key]*entry
}

type entry struct {
	state cache.State
	data  []byte
}

// New creates an empty in-memory cache.
func New() *Cache {
	return &Cache{
		items: make(map[cache.Key]*entry),
	}
}

// InsertIfAbsent claims key, or returns a handle to the existing item.
func (c *Cache) InsertIfAbsent(_ context.Context, key cache.Key) (cache.Item, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		return &item{cache: c, key: key, state: e.state}, false, nil
	}
	c.items[key] = &entry{state: cache.StateReserved}
	return &item{cache: c, key: key, state: cache.StateReserved, owned: true}, true, nil
}

// Open returns a handle to an existing item.
func (c *Cache) Open(_ context.Context, key cache.Key) (cache.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, cache.ErrNotFound)
	}
	return &item{cache: c, key: key, state: e.state}, nil
}

// Keys lists the keys of all complete artifacts in a stable order.
func (c *Cache) Keys(_ context.Context) ([]cache.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]cache.Key, 0, len(c.items))
	for k, e := range c.items {
		if e.state == cache.StateComplete {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

type item struct {
	cache *Cache
	key   cache.Key
	state cache.State
	owned bool
}

func (i *item) Key() cache.Key     { return i.key }
func (i *item) State() cache.State { return i.state }

// NewWriter returns a buffer-backed writer whose Close commits the item.
func (i *item) NewWriter(_ context.Context, size int64) (io.WriteCloser, error) {
	if !i.owned {
		return nil, fmt.Errorf("write %s: claim not owned by this handle", i.key)
	}
	capacity := size
	if capacity < 0 {
		capacity = 0
	}
	return &writer{item: i, buf: bytes.NewBuffer(make([]byte, 0, capacity))}, nil
}

func (i *item) NewReader(_ context.Context) (io.ReadCloser, error) {
	i.cache.mu.Lock()
	defer i.cache.mu.Unlock()

	e, ok := i.cache.items[i.key]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrNotFound)
	}
	switch e.state {
	case cache.StateComplete:
		return io.NopCloser(bytes.NewReader(e.data)), nil
	case cache.StateFailed:
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrFailed)
	default:
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrNotReady)
	}
}

// Fail marks a still-reserved item as failed.
func (i *item) Fail(_ context.Context) error {
	i.cache.mu.Lock()
	defer i.cache.mu.Unlock()

	e, ok := i.cache.items[i.key]
	if !ok {
		return fmt.Errorf("fail %s: %w", i.key, cache.ErrNotFound)
	}
	if e.state == cache.StateReserved {
		e.state = cache.StateFailed
		i.state = cache.StateFailed
	}
	return nil
}

type writer struct {
	item   *item
	buf    *bytes.Buffer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write %s: writer closed", w.item.key)
	}
	return w.buf.Write(p)
}

// Close commits the buffered bytes and flips the item to complete.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	c := w.item.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[w.item.key]
	if !ok {
		return fmt.Errorf("commit %s: %w", w.item.key, cache.ErrNotFound)
	}
	if e.state == cache.StateFailed {
		return fmt.Errorf("commit %s: %w", w.item.key, cache.ErrFailed)
	}
	e.data = append([]byte(nil), w.buf.Bytes()...)
	e.state = cache.StateComplete
	w.item.state = cache.StateComplete
	return nil
}
