package executor

import (
	"context"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
)

// MockRunner is a mock implementation of Runner for testing.
type MockRunner struct {
	mu sync.Mutex

	RunFunc                  func(ctx context.Context) error
	ReadyFunc                func() bool
	GetOrCreateRunningFunc   func(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error)
	GetOrCreateSuspendedFunc func(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error)
	InvokeFunc               func(ctx context.Context, worker durable.OwnedWorkerID, key durable.IdempotencyKey, function string, params []byte) ([]byte, error)
	GetMetadataFunc          func(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error)
	EnumerateFunc            func(ctx context.Context, component durable.ComponentID, filter durable.WorkerFilter, cursor uint64, count int, precise bool) (uint64, []durable.WorkerMetadata, error)
	InterruptFunc            func(ctx context.Context, worker durable.OwnedWorkerID, kind durable.InterruptKind) error

	RunCalls       int
	InvokeCalls    []InvokeCall
	InterruptCalls []InterruptCall
}

// InvokeCall records the parameters of a single Invoke call.
type InvokeCall struct {
	Worker   durable.OwnedWorkerID
	Key      durable.IdempotencyKey
	Function string
	Params   []byte
}

// InterruptCall records the parameters of a single Interrupt call.
type InterruptCall struct {
	Worker durable.OwnedWorkerID
	Kind   durable.InterruptKind
}

// NewMockRunner creates a new MockRunner with an empty call history.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		InvokeCalls:    make([]InvokeCall, 0),
		InterruptCalls: make([]InterruptCall, 0),
	}
}

// Run implements the Runner interface.
// It records the call, then:
// - If RunFunc is set, calls and returns it
// - Otherwise, blocks until ctx.Done() and returns ctx.Err()
func (m *MockRunner) Run(ctx context.Context) error {
	m.mu.Lock()
	m.RunCalls++
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Ready implements the Runner interface. Defaults to true.
func (m *MockRunner) Ready() bool {
	if m.ReadyFunc != nil {
		return m.ReadyFunc()
	}
	return true
}

// GetOrCreateRunning implements durable.Executor.
func (m *MockRunner) GetOrCreateRunning(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error) {
	if m.GetOrCreateRunningFunc != nil {
		return m.GetOrCreateRunningFunc(ctx, req)
	}
	return durable.WorkerMetadata{WorkerID: req.WorkerID}, nil
}

// GetOrCreateSuspended implements durable.Executor.
func (m *MockRunner) GetOrCreateSuspended(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error) {
	if m.GetOrCreateSuspendedFunc != nil {
		return m.GetOrCreateSuspendedFunc(ctx, req)
	}
	return durable.WorkerMetadata{WorkerID: req.WorkerID}, nil
}

// Invoke implements durable.Executor. Defaults to an empty response.
func (m *MockRunner) Invoke(ctx context.Context, worker durable.OwnedWorkerID, key durable.IdempotencyKey, function string, params []byte) ([]byte, error) {
	m.mu.Lock()
	m.InvokeCalls = append(m.InvokeCalls, InvokeCall{Worker: worker, Key: key, Function: function, Params: params})
	m.mu.Unlock()

	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, worker, key, function, params)
	}
	return nil, nil
}

// GetMetadata implements durable.Executor. Defaults to durable.ErrWorkerNotFound.
func (m *MockRunner) GetMetadata(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error) {
	if m.GetMetadataFunc != nil {
		return m.GetMetadataFunc(ctx, worker)
	}
	return durable.WorkerMetadata{}, durable.ErrWorkerNotFound
}

// Enumerate implements durable.Executor. Defaults to an empty, complete page.
func (m *MockRunner) Enumerate(ctx context.Context, component durable.ComponentID, filter durable.WorkerFilter, cursor uint64, count int, precise bool) (uint64, []durable.WorkerMetadata, error) {
	if m.EnumerateFunc != nil {
		return m.EnumerateFunc(ctx, component, filter, cursor, count, precise)
	}
	return 0, nil, nil
}

// Interrupt implements durable.Executor.
func (m *MockRunner) Interrupt(ctx context.Context, worker durable.OwnedWorkerID, kind durable.InterruptKind) error {
	m.mu.Lock()
	m.InterruptCalls = append(m.InterruptCalls, InterruptCall{Worker: worker, Kind: kind})
	m.mu.Unlock()

	if m.InterruptFunc != nil {
		return m.InterruptFunc(ctx, worker, kind)
	}
	return nil
}

// Reset clears the call history.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = 0
	m.InvokeCalls = make([]InvokeCall, 0)
	m.InterruptCalls = make([]InterruptCall, 0)
}
