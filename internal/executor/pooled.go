package executor

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pooled bounds how many tasks make progress at once with a weighted
// semaphore. Two rules keep the bounded pool deadlock-free under recursive
// fan-out:
//
//   - a parent task surrenders its slot while it waits for the children it
//     spawned through Invoke, and takes a slot back before resuming;
//   - Block surrenders the slot around blocking I/O, so slow downloads
//     never pin pool capacity.
type Pooled struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPooled builds a pool of the given size; sizes below one default to the
// number of schedulable CPUs.
func NewPooled(size int) *Pooled {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pooled{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (p *Pooled) Name() string { return NamePooled }

// Size returns the pool capacity.
func (p *Pooled) Size() int64 { return p.size }

type slotKeyType struct{}

// slot records whether the goroutine running a task currently holds a pool
// slot. It is only ever touched by that one goroutine.
type slot struct {
	held bool
}

func slotFrom(ctx context.Context) *slot {
	s, _ := ctx.Value(slotKeyType{}).(*slot)
	return s
}

// Invoke schedules the batch on the pool and waits for all of it.
func (p *Pooled) Invoke(ctx context.Context, tasks []Task) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	parent := slotFrom(ctx)
	if parent != nil && parent.held {
		p.sem.Release(1)
		parent.held = false
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			s := &slot{held: true}
			defer func() {
				if s.held {
					p.sem.Release(1)
				}
			}()
			n, err := task(context.WithValue(gctx, slotKeyType{}, s))
			total.Add(n)
			return err
		})
	}
	err := g.Wait()

	if parent != nil {
		if acquireErr := p.sem.Acquire(ctx, 1); acquireErr != nil {
			if err == nil {
				err = acquireErr
			}
			return total.Load(), err
		}
		parent.held = true
	}
	return total.Load(), err
}

// Block surrenders the caller's slot for the duration of f.
func (p *Pooled) Block(ctx context.Context, f func() error) error {
	s := slotFrom(ctx)
	if s == nil || !s.held {
		return f()
	}
	p.sem.Release(1)
	s.held = false

	err := f()

	if acquireErr := p.sem.Acquire(ctx, 1); acquireErr != nil {
		if err == nil {
			return acquireErr
		}
		return err
	}
	s.held = true
	return err
}
