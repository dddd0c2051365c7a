package executor

import "context"

// Sequential runs tasks one after another in the caller's goroutine,
// strictly depth-first. It is the reference strategy the concurrent ones
// must match observably.
type Sequential struct{}

func (Sequential) Name() string { return NameSequential }

// Invoke runs each task in order, stopping early only on cancellation.
func (Sequential) Invoke(ctx context.Context, tasks []Task) (int64, error) {
	var total int64
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := task(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Block runs f inline; a sequential crawl has no scheduler to starve.
func (Sequential) Block(_ context.Context, f func() error) error {
	return f()
}
