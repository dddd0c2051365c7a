// Package cache defines the content-addressed artifact store used by the
// crawl engine. Artifacts are keyed by (source URI, group id), where the
// group id separates transform outputs from the raw download namespace.
//
// The store's central operation is the atomic claim: InsertIfAbsent either
// makes the caller the exclusive producer of an artifact or hands back a
// handle to whatever another producer left behind. Every backend must make
// that check-and-set linearizable per key; no other cross-key coordination
// is required.
package cache

import (
	"context"
	"errors"
	"io"
)

// GroupRaw is the group id under which untransformed downloads are stored.
const GroupRaw = "raw"

var (
	// ErrNotFound is returned by Open when no item exists for the key.
	ErrNotFound = errors.New("cache: item not found")

	// ErrNotReady is returned when reading an item whose producer has not
	// finished writing.
	ErrNotReady = errors.New("cache: item not ready")

	// ErrFailed is returned when reading an item whose producer gave up.
	// Readers short-circuit on it instead of parsing empty streams.
	ErrFailed = errors.New("cache: item failed")
)

// Key identifies one stored artifact.
type Key struct {
	URI   string
	Group string
}

// RawKey builds the key for the untransformed artifact of uri.
func RawKey(uri string) Key {
	return Key{URI: uri, Group: GroupRaw}
}

func (k Key) String() string {
	return k.Group + ":" + k.URI
}

// State is the claim status of an item. A claim starts Reserved and makes a
// single transition to Complete (writer closed) or Failed (producer called
// Fail, or crashed and a backend-specific recovery marked it so).
type State int32

const (
	// StateReserved marks a claimed item whose bytes are not yet written.
	StateReserved State = iota
	// StateComplete marks an item whose artifact is fully stored.
	StateComplete
	// StateFailed marks an item whose producer could not store the artifact.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is a handle bound to one key. Handles are snapshots: State reports the
// claim status observed when the handle was obtained, and a reader opened
// later may still find the item changed underneath (callers treat that as a
// missing artifact rather than waiting).
type Item interface {
	// Key returns the key this handle is bound to.
	Key() Key

	// State reports the claim status observed when the handle was obtained.
	State() State

	// NewWriter opens the artifact's write stream. Only the claim owner may
	// write; size is the expected artifact length in bytes. Closing the
	// writer commits the item to StateComplete.
	NewWriter(ctx context.Context, size int64) (io.WriteCloser, error)

	// NewReader opens the stored artifact. It returns ErrNotReady or
	// ErrFailed (wrapped) for items that are not Complete.
	NewReader(ctx context.Context) (io.ReadCloser, error)

	// Fail marks a claimed item as failed so that later readers can
	// short-circuit. Calling Fail on a committed item has no effect.
	Fail(ctx context.Context) error
}

// Store is the content-addressed artifact store.
type Store interface {
	// InsertIfAbsent atomically claims key. When claimed is true the caller
	// owns a Reserved item and must either commit it by closing a writer or
	// mark it failed. When claimed is false the returned item describes the
	// existing entry. The check-and-set is linearizable per key.
	InsertIfAbsent(ctx context.Context, key Key) (it Item, claimed bool, err error)

	// Open returns a handle to an existing item, or ErrNotFound.
	Open(ctx context.Context, key Key) (Item, error)

	// Keys lists the keys of all Complete artifacts.
	Keys(ctx context.Context) ([]Key, error)
}
