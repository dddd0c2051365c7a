// Package memory provides the channel-backed run queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/queue"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan queue.Item
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan queue.Item, capacity),
	}
}

// Enqueue admits an item or reports why it cannot. A full queue answers
// immediately with ErrQueueFull so the accept path never blocks.
func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}

	// The lock also orders Enqueue against Close, so a send on a closed
	// channel cannot happen.
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return queue.ErrQueueClosed
	}

	select {
	case q.ch <- item:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	default:
		return queue.ErrQueueFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Item, error) {
	select {
	case <-ctx.Done():
		return queue.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return queue.Item{}, queue.ErrQueueClosed
		}
		metrics.SetQueueDepth(len(q.ch))
		return item, nil
	}
}

// Close closes the underlying channel for shutdown. Safe to call twice.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// Depth reports the buffered item count.
func (q *Queue) Depth() int {
	return len(q.ch)
}
