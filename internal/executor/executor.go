// Package executor provides the scheduling strategies behind a crawl run.
// The engine expresses every subtree as a batch of tasks and hands them to
// an Executor; strategies differ only in how those tasks are scheduled, not
// in what they compute.
package executor

import (
	"context"
	"fmt"
	"strings"
)

// Strategy names accepted in configuration and run requests.
const (
	NameSequential  = "sequential"
	NamePooled      = "pooled"
	NameCooperative = "cooperative"
)

// Task computes one unit of crawl work and reports how many images it
// produced. Tasks recover per-resource failures internally; the only errors
// they surface are cancellation.
type Task func(ctx context.Context) (int64, error)

// Executor runs task batches on behalf of the engine.
type Executor interface {
	Name() string

	// Invoke runs the batch, waits for every task, and returns the summed
	// counts. The first task error wins; remaining counts still accumulate.
	Invoke(ctx context.Context, tasks []Task) (int64, error)

	// Block wraps a blocking call (network download, cache stream) so the
	// strategy can park it without starving its scheduler.
	Block(ctx context.Context, f func() error) error
}

// New builds the named strategy. poolSize only applies to the pooled
// strategy; zero or negative selects its default.
func New(name string, poolSize int) (Executor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameSequential:
		return Sequential{}, nil
	case NamePooled:
		return NewPooled(poolSize), nil
	case NameCooperative:
		return Cooperative{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (have %s)", name, strings.Join(Names(), ", "))
	}
}

// Names lists the available strategies.
func Names() []string {
	return []string{NameSequential, NamePooled, NameCooperative}
}
