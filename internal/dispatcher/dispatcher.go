// Package dispatcher manages worker fan-out over the run queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/queue"
	"github.com/imagecrawl/imagecrawl/internal/worker"
)

// WorkerStatus is a point-in-time snapshot of one worker.
type WorkerStatus struct {
	// Worker indexes the worker within the pool.
	Worker int `json:"worker"`
	// State is the lifecycle state of the worker's engine.
	State engine.LifecycleState `json:"-"`
	// ActiveRun is the run the worker is executing, empty when idle.
	ActiveRun string `json:"active_run,omitempty"`
}

// Dispatcher fans out queued runs to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
	}
}

// Run starts all workers and blocks until they drain. Workers exit on
// context cancellation or queue close, whichever comes first.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel stops the worker currently executing runID. It reports false when
// no worker is running that run.
func (d *Dispatcher) Cancel(runID string) bool {
	for _, w := range d.workers {
		if w.Cancel(runID) {
			return true
		}
	}
	return false
}

// Statuses snapshots every worker's lifecycle state and active run.
func (d *Dispatcher) Statuses() []WorkerStatus {
	out := make([]WorkerStatus, len(d.workers))
	for i, w := range d.workers {
		out[i] = WorkerStatus{
			Worker:    i,
			State:     w.State(),
			ActiveRun: w.ActiveRunID(),
		}
	}
	return out
}

// History returns each worker's elapsed-ms run record, indexed like
// Statuses.
func (d *Dispatcher) History() [][]int64 {
	out := make([][]int64, len(d.workers))
	for i, w := range d.workers {
		out[i] = w.ExecutionHistory()
	}
	return out
}
