package executor

import "context"

// Cooperative schedules every task on its own goroutine and joins the
// results over a channel before the parent subtree completes. Goroutines
// park themselves at I/O boundaries, so no explicit pool or blocking escape
// hatch is needed; the runtime multiplexes them onto the scheduler.
type Cooperative struct{}

func (Cooperative) Name() string { return NameCooperative }

// Invoke fans the batch out and waits for every result.
func (Cooperative) Invoke(ctx context.Context, tasks []Task) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	type result struct {
		count int64
		err   error
	}
	// Buffered to the batch size so finished tasks never leak waiting on a
	// receiver that already returned.
	results := make(chan result, len(tasks))
	for _, task := range tasks {
		go func() {
			n, err := task(ctx)
			results <- result{count: n, err: err}
		}()
	}

	var total int64
	var firstErr error
	for range tasks {
		r := <-results
		total += r.count
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return total, firstErr
}

// Block runs f inline; the goroutine simply parks.
func (Cooperative) Block(_ context.Context, f func() error) error {
	return f()
}
