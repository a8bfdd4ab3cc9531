package durability

import (
	"errors"
	"fmt"
)

// ErrIncompleteRemoteWrite indicates replay found a remote write that began but never ended.
// The write may or may not have reached the remote system, so it is not repeated.
var ErrIncompleteRemoteWrite = errors.New("incomplete remote write")

// HostError is a host function failure as the guest observes it.
// Live failures are recorded with their message and replayed as the same HostError.
type HostError struct {
	Function string
	Message  string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}

// PanicError reports a panic raised by a host function's live effect.
// It is never recorded, so recovery runs the effect again.
type PanicError struct {
	Function string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Function, e.Value)
}
