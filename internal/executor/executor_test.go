package executor_test

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imagecrawl/imagecrawl/internal/executor"
)

func countingTask(n int64) executor.Task {
	return func(ctx context.Context) (int64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return n, nil
	}
}

func allStrategies(t *testing.T) []executor.Executor {
	t.Helper()
	return []executor.Executor{
		executor.Sequential{},
		executor.NewPooled(4),
		executor.Cooperative{},
	}
}

func TestInvokeSumsTaskCounts(t *testing.T) {
	t.Parallel()

	tasks := make([]executor.Task, 0, 10)
	var want int64
	for i := int64(1); i <= 10; i++ {
		tasks = append(tasks, countingTask(i))
		want += i
	}

	for _, exec := range allStrategies(t) {
		t.Run(exec.Name(), func(t *testing.T) {
			t.Parallel()

			total, err := exec.Invoke(context.Background(), tasks)
			require.NoError(t, err)
			require.Equal(t, want, total)
		})
	}
}

func TestInvokeEmptyBatch(t *testing.T) {
	t.Parallel()

	for _, exec := range allStrategies(t) {
		t.Run(exec.Name(), func(t *testing.T) {
			t.Parallel()

			total, err := exec.Invoke(context.Background(), nil)
			require.NoError(t, err)
			require.Zero(t, total)
		})
	}
}

func TestInvokePropagatesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []executor.Task{countingTask(1), countingTask(1)}
	for _, exec := range allStrategies(t) {
		t.Run(exec.Name(), func(t *testing.T) {
			t.Parallel()

			_, err := exec.Invoke(ctx, tasks)
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestInvokeSurfacesFirstTaskError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	tasks := []executor.Task{
		countingTask(1),
		func(context.Context) (int64, error) { return 0, errBoom },
		countingTask(1),
	}

	for _, exec := range allStrategies(t) {
		t.Run(exec.Name(), func(t *testing.T) {
			t.Parallel()

			_, err := exec.Invoke(context.Background(), tasks)
			require.ErrorIs(t, err, errBoom)
		})
	}
}

func TestSequentialStopsAtFailedTask(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	var afterFailure atomic.Bool
	tasks := []executor.Task{
		countingTask(3),
		func(context.Context) (int64, error) { return 0, errBoom },
		func(context.Context) (int64, error) {
			afterFailure.Store(true)
			return 1, nil
		},
	}

	total, err := executor.Sequential{}.Invoke(context.Background(), tasks)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, int64(3), total)
	require.False(t, afterFailure.Load())
}

func TestPooledBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const poolSize = 4
	var inFlight, highWater atomic.Int64

	tasks := make([]executor.Task, 32)
	for i := range tasks {
		tasks[i] = func(context.Context) (int64, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				seen := highWater.Load()
				if cur <= seen || highWater.CompareAndSwap(seen, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return 1, nil
		}
	}

	total, err := executor.NewPooled(poolSize).Invoke(context.Background(), tasks)
	require.NoError(t, err)
	require.Equal(t, int64(len(tasks)), total)
	require.LessOrEqual(t, highWater.Load(), int64(poolSize))
	require.Greater(t, highWater.Load(), int64(1))
}

func TestPooledRecursiveInvoke(t *testing.T) {
	t.Parallel()

	// A single slot forces parents to surrender while their children run;
	// without that, nested Invoke would starve and time out below.
	pool := executor.NewPooled(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leaf := countingTask(1)
	parent := func(ctx context.Context) (int64, error) {
		n, err := pool.Invoke(ctx, []executor.Task{leaf, leaf})
		return n + 1, err
	}

	total, err := pool.Invoke(ctx, []executor.Task{parent, parent})
	require.NoError(t, err)
	require.Equal(t, int64(6), total)
}

func TestPooledBlockReleasesSlot(t *testing.T) {
	t.Parallel()

	pool := executor.NewPooled(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	waiter := func(ctx context.Context) (int64, error) {
		err := pool.Block(ctx, func() error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return 1, err
	}
	releaser := func(context.Context) (int64, error) {
		close(release)
		return 1, nil
	}

	total, err := pool.Invoke(ctx, []executor.Task{waiter, releaser})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
}

func TestCooperativeTasksRunConcurrently(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rendezvous := make(chan struct{})
	tasks := []executor.Task{
		func(ctx context.Context) (int64, error) {
			select {
			case rendezvous <- struct{}{}:
				return 1, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
		func(ctx context.Context) (int64, error) {
			select {
			case <-rendezvous:
				return 1, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}

	total, err := executor.Cooperative{}.Invoke(ctx, tasks)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
}

func TestPooledDefaultSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(runtime.GOMAXPROCS(0)), executor.NewPooled(0).Size())
}

func TestNewSelectsStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		wantName string
	}{
		{name: executor.NameSequential, wantName: executor.NameSequential},
		{name: executor.NamePooled, wantName: executor.NamePooled},
		{name: executor.NameCooperative, wantName: executor.NameCooperative},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec, err := executor.New(tc.name, 2)
			require.NoError(t, err)
			require.Equal(t, tc.wantName, exec.Name())
		})
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := executor.New("fibers", 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fibers")
}
