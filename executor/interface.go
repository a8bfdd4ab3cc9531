package executor

import (
	"context"

	durable "github.com/getpup/pupsourcing-durable"
)

// Runner is an executor process: it serves workers and runs the coordination loop.
// This interface allows for mock implementations in tests.
type Runner interface {
	durable.Executor

	// Run blocks until ctx is cancelled or coordination fails.
	Run(ctx context.Context) error

	// Ready reports whether the runner serves workers.
	Ready() bool
}

var _ Runner = (*Executor)(nil)
