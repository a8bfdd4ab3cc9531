// Package durable defines the identities, metadata and errors shared by the durable worker executor.
//
// A worker is an instance of a component whose every host-visible effect is recorded in an
// append-only oplog. After a crash, eviction or migration the worker is re-executed from the
// start and the recorded effect results are returned instead of performing the effects again.
package durable

import "context"

// Executor runs durable workers for the shards this host owns.
type Executor interface {
	// GetOrCreateRunning loads the worker, replaying its oplog, creating it first if needed,
	// and drives it to running.
	GetOrCreateRunning(ctx context.Context, req CreateWorkerRequest) (WorkerMetadata, error)

	// GetOrCreateSuspended loads or creates the worker without starting guest execution.
	GetOrCreateSuspended(ctx context.Context, req CreateWorkerRequest) (WorkerMetadata, error)

	// Invoke calls an exported guest function. It returns only after every oplog entry
	// written by the invocation is durable.
	//
	// The returned error is either the guest's declared error or an execution error
	// (see IsExecutionError).
	Invoke(ctx context.Context, worker OwnedWorkerID, key IdempotencyKey, function string, params []byte) ([]byte, error)

	// GetMetadata returns the cached metadata of the worker.
	GetMetadata(ctx context.Context, worker OwnedWorkerID) (WorkerMetadata, error)

	// Enumerate lists workers of a component. With precise set, statuses are recomputed
	// from the oplog tail instead of trusting the cache.
	Enumerate(ctx context.Context, component ComponentID, filter WorkerFilter, cursor uint64, count int, precise bool) (uint64, []WorkerMetadata, error)

	// Interrupt stops the worker's current execution.
	Interrupt(ctx context.Context, worker OwnedWorkerID, kind InterruptKind) error
}
