package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerNotFound indicates the worker has no oplog and no metadata.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerAlreadyExists indicates a Create entry was already written for the worker.
	ErrWorkerAlreadyExists = errors.New("worker already exists")

	// ErrShardNotOwned indicates the worker's shard is assigned to another executor.
	ErrShardNotOwned = errors.New("shard not owned by this executor")

	// ErrResourceLimit indicates a quota was exceeded before activation.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrUnexpectedOplogEntry indicates replay found an entry the execution did not produce.
	ErrUnexpectedOplogEntry = errors.New("unexpected oplog entry")

	// ErrInterrupted indicates the worker's execution was interrupted.
	ErrInterrupted = errors.New("worker interrupted")

	// ErrWorkerFailed indicates the worker is in the failed state.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrWorkerExited indicates the worker exited and accepts no further invocations.
	ErrWorkerExited = errors.New("worker exited")

	// ErrWorkerSuspended indicates the invocation suspended the worker instead of completing.
	ErrWorkerSuspended = errors.New("worker suspended")

	// ErrTrapped indicates the guest terminated abnormally.
	ErrTrapped = errors.New("worker trapped")

	// ErrExit is returned by guests to terminate the worker.
	ErrExit = errors.New("worker exit requested")
)

// DivergenceError describes a replay-time mismatch between the oplog and the re-executed guest.
type DivergenceError struct {
	// Index is the position of the offending entry.
	Index OplogIndex

	// Expected describes what the execution asked for.
	Expected string

	// Actual describes what the oplog contains.
	Actual string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("unexpected oplog entry at index %d: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

func (e *DivergenceError) Unwrap() error {
	return ErrUnexpectedOplogEntry
}

// InterruptKind names why execution was interrupted.
type InterruptKind string

const (
	// InterruptKindInterrupt is an administrative interrupt. The worker stays interrupted until invoked again.
	InterruptKindInterrupt InterruptKind = "interrupt"

	// InterruptKindRestart stops the in-memory instance so it can be recovered by replay.
	InterruptKindRestart InterruptKind = "restart"

	// InterruptKindSuspend parks the worker until a promise or timer wakes it.
	InterruptKindSuspend InterruptKind = "suspend"
)

// InterruptedError is surfaced to guests and callers when execution is interrupted.
type InterruptedError struct {
	Kind InterruptKind
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("worker interrupted (%s)", e.Kind)
}

func (e *InterruptedError) Unwrap() error {
	return ErrInterrupted
}

// IsExecutionError reports whether err is a core execution error rather than a guest-declared failure.
func IsExecutionError(err error) bool {
	for _, target := range []error{
		ErrUnexpectedOplogEntry,
		ErrShardNotOwned,
		ErrResourceLimit,
		ErrInterrupted,
		ErrWorkerFailed,
		ErrWorkerExited,
		ErrWorkerSuspended,
		ErrTrapped,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
