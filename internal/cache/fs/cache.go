// Package fs implements a filesystem cache.Store with content-addressed
// layout. Artifacts live under <root>/<group>/<hh>/<rest> where hh/rest split
// the hex sha256 of the source URI, keeping directory fan-out flat.
//
// The claim is an exclusive-create of a sidecar .claim file: creation with
// O_EXCL either succeeds exactly once or fails for everyone else, including
// other processes sharing the same root. Claim markers are never removed, so
// the at-most-once guarantee holds across crawler restarts. The artifact
// itself is written to a .part file and renamed into place on commit; a
// .failed marker records producers that gave up.
package fs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/adrg/xdg"

	"github.com/imagecrawl/imagecrawl/internal/cache"
	"github.com/imagecrawl/imagecrawl/internal/hash/sha256"
)

const (
	dataSuffix   = ".img"
	partSuffix   = ".part"
	claimSuffix  = ".claim"
	failedSuffix = ".failed"
)

var invalidGroupChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Config captures the parameters for the filesystem cache.
type Config struct {
	// Root is the cache directory. Empty selects a per-user default under
	// the XDG data home.
	Root string `mapstructure:"root" yaml:"root"`
}

// Cache is a filesystem-backed cache.Store.
type Cache struct {
	root string
}

// DefaultRoot returns the per-user default cache directory.
func DefaultRoot() string {
	return filepath.Join(xdg.DataHome, "imagecrawl", "cache")
}

// New creates a filesystem cache rooted at cfg.Root, creating the directory
// when missing.
func New(cfg Config) (*Cache, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		root = DefaultRoot()
	}
	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("cache root %s is not a directory", root)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache root: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat cache root: %w", err)
	}
	return &Cache{root: root}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// InsertIfAbsent claims key via exclusive-create of its claim marker.
func (c *Cache) InsertIfAbsent(_ context.Context, key cache.Key) (cache.Item, bool, error) {
	base, err := c.basePath(key)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o750); err != nil {
		return nil, false, fmt.Errorf("create cache dir: %w", err)
	}

	f, err := os.OpenFile(base+claimSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, false, fmt.Errorf("create claim %s: %w", key, err)
		}
		state, stErr := c.stateOf(base)
		if stErr != nil {
			return nil, false, stErr
		}
		return &item{cache: c, key: key, base: base, state: state}, false, nil
	}

	// The claim marker doubles as the reverse index from hashed paths back
	// to keys, so Keys can reconstruct (group, uri) pairs.
	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "%s\n%s\n", key.Group, key.URI); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("write claim %s: %w", key, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("flush claim %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("close claim %s: %w", key, err)
	}
	return &item{cache: c, key: key, base: base, state: cache.StateReserved, owned: true}, true, nil
}

// Open returns a handle for an existing item.
func (c *Cache) Open(_ context.Context, key cache.Key) (cache.Item, error) {
	base, err := c.basePath(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(base + claimSuffix); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", key, cache.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	state, err := c.stateOf(base)
	if err != nil {
		return nil, err
	}
	return &item{cache: c, key: key, base: base, state: state}, nil
}

// Keys walks the cache root and lists complete artifacts.
func (c *Cache) Keys(_ context.Context) ([]cache.Key, error) {
	var keys []cache.Key
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, dataSuffix) {
			return nil
		}
		key, readErr := readClaim(strings.TrimSuffix(path, dataSuffix) + claimSuffix)
		if readErr != nil {
			return readErr
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk cache root: %w", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// basePath maps a key to its extensionless file path and rejects anything
// escaping the cache root.
func (c *Cache) basePath(key cache.Key) (string, error) {
	group := invalidGroupChars.ReplaceAllString(strings.TrimSpace(key.Group), "_")
	if group == "" {
		return "", fmt.Errorf("key %s: empty group", key)
	}
	digest := sha256.SumString(key.URI)
	full := filepath.Join(c.root, group, digest[:2], digest[2:])

	cleanRoot := filepath.Clean(c.root)
	if !strings.HasPrefix(filepath.Clean(full), cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("key %s: path escapes cache root", key)
	}
	return full, nil
}

func (c *Cache) stateOf(base string) (cache.State, error) {
	if _, err := os.Stat(base + dataSuffix); err == nil {
		return cache.StateComplete, nil
	} else if !os.IsNotExist(err) {
		return cache.StateReserved, fmt.Errorf("stat artifact: %w", err)
	}
	if _, err := os.Stat(base + failedSuffix); err == nil {
		return cache.StateFailed, nil
	} else if !os.IsNotExist(err) {
		return cache.StateReserved, fmt.Errorf("stat failed marker: %w", err)
	}
	return cache.StateReserved, nil
}

func readClaim(path string) (cache.Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cache.Key{}, fmt.Errorf("read claim marker: %w", err)
	}
	lines := strings.SplitN(string(raw), "\n", 3)
	if len(lines) < 2 {
		return cache.Key{}, fmt.Errorf("claim marker %s: malformed", path)
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

// NewWriter opens the .part stream; Close renames it into place.
func (i *item) NewWriter(_ context.Context, _ int64) (io.WriteCloser, error) {
	if !i.owned {
		return nil, fmt.Errorf("write %s: claim not owned by this handle", i.key)
	}
	f, err := os.OpenFile(i.base+partSuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open part file %s: %w", i.key, err)
	}
	return &writer{item: i, file: f}, nil
}

func (i *item) NewReader(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(i.base + dataSuffix)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", i.key, err)
	}
	state, stErr := i.cache.stateOf(i.base)
	if stErr != nil {
		return nil, stErr
	}
	if state == cache.StateFailed {
		return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrFailed)
	}
	return nil, fmt.Errorf("read %s: %w", i.key, cache.ErrNotReady)
}

// Fail drops any partial bytes and records the failure marker.
func (i *item) Fail(_ context.Context) error {
	if state, err := i.cache.stateOf(i.base); err == nil && state == cache.StateComplete {
		return nil
	}
	_ = os.Remove(i.base + partSuffix)
	f, err := os.OpenFile(i.base+failedSuffix, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", i.key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close failed marker %s: %w", i.key, err)
	}
	i.state = cache.StateFailed
	return nil
}

type writer struct {
	item   *item
	file   *os.File
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Close flushes the part file and commits it with an atomic rename.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close part file %s: %w", w.item.key, err)
	}
	if err := os.Rename(w.item.base+partSuffix, w.item.base+dataSuffix); err != nil {
		return fmt.Errorf("commit %s: %w", w.item.key, err)
	}
	w.item.state = cache.StateComplete
	return nil
}
