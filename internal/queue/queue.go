// Package queue holds accepted crawl runs until a worker picks them up.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/imagecrawl/imagecrawl/internal/engine"
)

// ErrQueueFull reports that the queue is at capacity. The API surfaces it as
// backpressure rather than blocking the accept path.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed reports a queue that has shut down and drained.
var ErrQueueClosed = errors.New("queue closed")

// Item is one accepted crawl run awaiting execution.
type Item struct {
	Request    engine.CrawlRequest
	EnqueuedAt time.Time
}

// Queue provides enqueue/dequeue semantics for crawl runs.
type Queue interface {
	// Enqueue admits an item without blocking; a full queue returns
	// ErrQueueFull.
	Enqueue(ctx context.Context, item Item) error
	// Dequeue blocks until an item arrives, the context ends, or the
	// queue closes and drains (ErrQueueClosed).
	Dequeue(ctx context.Context) (Item, error)
	// Close stops admission. Buffered items remain dequeueable.
	Close()
}
