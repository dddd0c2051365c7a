// Package redis implements a cache.Store on Redis, suitable for sharing one
// claim space between crawler instances.
//
// SetNX on a per-key state entry is the claim: Redis guarantees a single
// winner regardless of how many clients race. Artifact bytes live in a
// sibling data entry and an index set records completed keys for listing.
// An optional TTL bounds how long orphaned claims from crashed producers
// block re-downloads.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imagecrawl/imagecrawl/internal/cache"
	"github.com/imagecrawl/imagecrawl/internal/hash/sha256"
)

const (
	stateReserved = "reserved"
	stateComplete = "complete"
	stateFailed   = "failed"
)

// Config captures the Redis cache parameters.
type Config struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Namespace prefixes every key this cache touches.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	// TTL expires cache entries; zero keeps them forever.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Cache is a Redis-backed cache.Store.
type Cache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// New creates a Redis cache over an existing client.
func New(client *redis.Client, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = "imagecrawl"
	}
	return &Cache{client: client, namespace: namespace, ttl: cfg.TTL}, nil
}

// NewClient dials Redis with the configured address.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// InsertIfAbsent claims key via SetNX on its state entry.
func (c *Cache) InsertIfAbsent(ctx context.Context, key cache.Key) (cache.Item, bool, error) {
	stateKey := c.stateKey(key)
	ok, err := c.client.SetNX(ctx, stateKey, stateReserved, c.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return &item{cache: c, key: key, state: cache.StateReserved, owned: true}, true, nil
	}
	state, err := c.loadState(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return &item{cache: c, key: key, state: state}, false, nil
}

// Open returns a handle for an existing item.
func (c *Cache) Open(ctx context.Context, key cache.Key) (cache.Item, error) {
	state, err := c.loadState(ctx, key)
	if err != nil {
		return nil, err
	}
	return &item{cache: c, key: key, state: state}, nil
}

// Keys lists complete artifacts from the index set.
func (c *Cache) Keys(ctx context.Context) ([]cache.Key, error) {
	members, err := c.client.SMembers(ctx, c.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache index: %w", err)
	}
	keys := make([]cache.Key, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, "\n", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("cache index entry %q: malformed", m)
		}
		keys = append(keys, cache.Key{Group: parts[0], URI: parts[1]})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (c *Cache) loadState(ctx context.Context, key cache.Key) (cache.State, error) {
	raw, err := c.client.Get(ctx, c.stateKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return cache.StateReserved, fmt.Errorf("open %s: %w", key, cache.ErrNotFound)
	}
	if err != nil {
		return cache.StateReserved, fmt.Errorf("load state %s: %w", key, err)
	}
	switch raw {
	case stateComplete:
		return cache.StateComplete, nil
	case stateFailed:
		return cache.StateFailed, nil
	default:
		return cache.StateReserved, nil
	}
}

func (c *Cache) stateKey(key cache.Key) string {
	return fmt.Sprintf("%s:%s:%s:state", c.namespace, key.Group, sha256.SumString(key.URI))
}

func (c *Cache) dataKey(key cache.Key) string {
	return fmt.Sprintf("%s:%s:%s:data", c.namespace, key.Group, sha256.SumString(key.URI))
}

func (c *Cache) indexKey() string {
	return c.namespace + ":index"
}

type item struct {
	cache *Cache
	key   cache.Key
	state cache.State
	owned bool
}

func (i *item) Key() cache.Key     { return i.key }
func (i *item) State() cache.State { return i.state }

// NewWriter buffers locally; Close stores data and state in one pipeline.
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

func (i *item) NewReader(ctx context.Context) (io.ReadCloser, error) {
	raw, err := i.cache.client.Get(ctx, i.cache.dataKey(i.key)).Bytes()
	if err == nil {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read %s: %w", i.key, err)
	}
	state, stErr := i.cache.loadState(ctx, i.key)
	if stErr != nil && !errors.Is(stErr, cache.ErrNotFound) {
		return nil, stErr
	}
	if state == cache.StateFailed {
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrFailed)
	}
	return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrNotReady)
}

// Fail flips a still-reserved state entry to failed.
func (i *item) Fail(ctx context.Context) error {
	// SETXX-style guard: only downgrade when not already complete.
	state, err := i.cache.loadState(ctx, i.key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	if state == cache.StateComplete {
		return nil
	}
	if err := i.cache.client.Set(ctx, i.cache.stateKey(i.key), stateFailed, i.cache.ttl).Err(); err != nil {
		return fmt.Errorf("mark failed %s: %w", i.key, err)
	}
	i.state = cache.StateFailed
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

// Close commits data, state, and index membership atomically enough for
// readers: data lands before the state flips to complete.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	c := w.item.cache
	key := w.item.key
	ctx := context.Background()

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.dataKey(key), w.buf.Bytes(), c.ttl)
	pipe.Set(ctx, c.stateKey(key), stateComplete, c.ttl)
	pipe.SAdd(ctx, c.indexKey(), key.Group+"\n"+key.URI)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	w.item.state = cache.StateComplete
	return nil
}
