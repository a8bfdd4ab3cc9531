package store

import (
	"context"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/shard"
)

// MockShardStore is a configurable mock implementation of ShardStore for use in tests.
// It allows setting up return values, tracking method calls, and injecting errors.
type MockShardStore struct {
	mu sync.RWMutex

	// GetActiveRevisionFunc is called by GetActiveRevision if set.
	GetActiveRevisionFunc func(ctx context.Context) (shard.Revision, error)

	// CreateRevisionFunc is called by CreateRevision if set.
	CreateRevisionFunc func(ctx context.Context, numberOfShards int) (shard.Revision, error)

	// RegisterHostFunc is called by RegisterHost if set.
	RegisterHostFunc func(ctx context.Context, host shard.HostID, revisionID string) (shard.Host, error)

	// AssignShardsFunc is called by AssignShards if set.
	AssignShardsFunc func(ctx context.Context, revisionID string, owners map[shard.ID]shard.HostID) error

	// GetAssignmentsFunc is called by GetAssignments if set.
	GetAssignmentsFunc func(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error)

	// UpdateHostStateFunc is called by UpdateHostState if set.
	UpdateHostStateFunc func(ctx context.Context, host shard.HostID, state shard.HostState) error

	// HeartbeatFunc is called by Heartbeat if set.
	HeartbeatFunc func(ctx context.Context, host shard.HostID) error

	// GetHostFunc is called by GetHost if set.
	GetHostFunc func(ctx context.Context, host shard.HostID) (shard.Host, error)

	// GetActiveHostsFunc is called by GetActiveHosts if set.
	GetActiveHostsFunc func(ctx context.Context) ([]shard.Host, error)

	// GetPendingHostsFunc is called by GetPendingHosts if set.
	GetPendingHostsFunc func(ctx context.Context) ([]shard.Host, error)

	// MarkHostDeadFunc is called by MarkHostDead if set.
	MarkHostDeadFunc func(ctx context.Context, host shard.HostID) error

	// Call tracking
	CreateRevisionCalls  []int
	RegisterHostCalls    []RegisterHostCall
	AssignShardsCalls    []AssignShardsCall
	UpdateHostStateCalls []UpdateHostStateCall
	HeartbeatCalls       []shard.HostID
	MarkHostDeadCalls    []shard.HostID
}

// RegisterHostCall records a RegisterHost invocation.
type RegisterHostCall struct {
	Host       shard.HostID
	RevisionID string
}

// AssignShardsCall records an AssignShards invocation.
type AssignShardsCall struct {
	RevisionID string
	Owners     map[shard.ID]shard.HostID
}

// UpdateHostStateCall records an UpdateHostState invocation.
type UpdateHostStateCall struct {
	Host  shard.HostID
	State shard.HostState
}

// NewMockShardStore creates a new mock shard store.
func NewMockShardStore() *MockShardStore {
	return &MockShardStore{}
}

// GetActiveRevision implements ShardStore.
func (m *MockShardStore) GetActiveRevision(ctx context.Context) (shard.Revision, error) {
	if m.GetActiveRevisionFunc != nil {
		return m.GetActiveRevisionFunc(ctx)
	}
	return shard.Revision{}, ErrNoRevision
}

// CreateRevision implements ShardStore.
func (m *MockShardStore) CreateRevision(ctx context.Context, numberOfShards int) (shard.Revision, error) {
	m.mu.Lock()
	m.CreateRevisionCalls = append(m.CreateRevisionCalls, numberOfShards)
	m.mu.Unlock()

	if m.CreateRevisionFunc != nil {
		return m.CreateRevisionFunc(ctx, numberOfShards)
	}
	return shard.Revision{NumberOfShards: numberOfShards}, nil
}

// RegisterHost implements ShardStore.
func (m *MockShardStore) RegisterHost(ctx context.Context, host shard.HostID, revisionID string) (shard.Host, error) {
	m.mu.Lock()
	m.RegisterHostCalls = append(m.RegisterHostCalls, RegisterHostCall{Host: host, RevisionID: revisionID})
	m.mu.Unlock()

	if m.RegisterHostFunc != nil {
		return m.RegisterHostFunc(ctx, host, revisionID)
	}
	return shard.Host{ID: host, RevisionID: revisionID, State: shard.HostStatePending}, nil
}

// AssignShards implements ShardStore.
func (m *MockShardStore) AssignShards(ctx context.Context, revisionID string, owners map[shard.ID]shard.HostID) error {
	m.mu.Lock()
	m.AssignShardsCalls = append(m.AssignShardsCalls, AssignShardsCall{RevisionID: revisionID, Owners: owners})
	m.mu.Unlock()

	if m.AssignShardsFunc != nil {
		return m.AssignShardsFunc(ctx, revisionID, owners)
	}
	return nil
}

// GetAssignments implements ShardStore.
func (m *MockShardStore) GetAssignments(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
	if m.GetAssignmentsFunc != nil {
		return m.GetAssignmentsFunc(ctx, revisionID)
	}
	return map[shard.ID]shard.HostID{}, nil
}

// UpdateHostState implements ShardStore.
func (m *MockShardStore) UpdateHostState(ctx context.Context, host shard.HostID, state shard.HostState) error {
	m.mu.Lock()
	m.UpdateHostStateCalls = append(m.UpdateHostStateCalls, UpdateHostStateCall{Host: host, State: state})
	m.mu.Unlock()

	if m.UpdateHostStateFunc != nil {
		return m.UpdateHostStateFunc(ctx, host, state)
	}
	return nil
}

// Heartbeat implements ShardStore.
func (m *MockShardStore) Heartbeat(ctx context.Context, host shard.HostID) error {
	m.mu.Lock()
	m.HeartbeatCalls = append(m.HeartbeatCalls, host)
	m.mu.Unlock()

	if m.HeartbeatFunc != nil {
		return m.HeartbeatFunc(ctx, host)
	}
	return nil
}

// GetHost implements ShardStore.
func (m *MockShardStore) GetHost(ctx context.Context, host shard.HostID) (shard.Host, error) {
	if m.GetHostFunc != nil {
		return m.GetHostFunc(ctx, host)
	}
	return shard.Host{}, ErrHostNotFound
}

// GetActiveHosts implements ShardStore.
func (m *MockShardStore) GetActiveHosts(ctx context.Context) ([]shard.Host, error) {
	if m.GetActiveHostsFunc != nil {
		return m.GetActiveHostsFunc(ctx)
	}
	return []shard.Host{}, nil
}

// GetPendingHosts implements ShardStore.
func (m *MockShardStore) GetPendingHosts(ctx context.Context) ([]shard.Host, error) {
	if m.GetPendingHostsFunc != nil {
		return m.GetPendingHostsFunc(ctx)
	}
	return []shard.Host{}, nil
}

// MarkHostDead implements ShardStore.
func (m *MockShardStore) MarkHostDead(ctx context.Context, host shard.HostID) error {
	m.mu.Lock()
	m.MarkHostDeadCalls = append(m.MarkHostDeadCalls, host)
	m.mu.Unlock()

	if m.MarkHostDeadFunc != nil {
		return m.MarkHostDeadFunc(ctx, host)
	}
	return nil
}

// Reset clears all call tracking data.
func (m *MockShardStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateRevisionCalls = nil
	m.RegisterHostCalls = nil
	m.AssignShardsCalls = nil
	m.UpdateHostStateCalls = nil
	m.HeartbeatCalls = nil
	m.MarkHostDeadCalls = nil
}

// MockOplogStore wraps another OplogStore and lets tests intercept appends.
type MockOplogStore struct {
	OplogStore

	mu sync.Mutex

	// AppendFunc is called by Append if set, instead of the wrapped store.
	AppendFunc func(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) error

	// AppendCalls records the number of records of every Append call.
	AppendCalls []int
}

// NewMockOplogStore wraps inner.
func NewMockOplogStore(inner OplogStore) *MockOplogStore {
	return &MockOplogStore{OplogStore: inner}
}

// Append implements OplogStore.
func (m *MockOplogStore) Append(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) error {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, len(records))
	fn := m.AppendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, worker, first, records)
	}
	return m.OplogStore.Append(ctx, worker, first, records)
}

// Calls returns a copy of AppendCalls.
func (m *MockOplogStore) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.AppendCalls...)
}

// SetAppendFunc replaces AppendFunc while the mock is in use.
func (m *MockOplogStore) SetAppendFunc(fn func(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendFunc = fn
}
