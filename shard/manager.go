package shard

import (
	"context"
	"fmt"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing/es"
)

// RevokeFunc is called with the shards a host lost when a new table is applied.
type RevokeFunc func(ctx context.Context, revoked Assignment)

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	// Host is the executor this manager answers for (required).
	Host HostID

	// OnRevoke is called after shards are revoked (optional).
	OnRevoke RevokeFunc

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records owned shard counts (optional).
	Collector *metrics.Collector
}

// Manager is an executor's local view of the shard table.
type Manager struct {
	config ManagerConfig

	mu    sync.RWMutex
	table *Table
	owned Assignment
}

// NewManager creates a manager with no table applied.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{config: cfg}
}

// Host returns the host this manager answers for.
func (m *Manager) Host() HostID {
	return m.config.Host
}

// Apply replaces the local table. Shards missing from the new table for this host are
// revoked before Apply returns.
func (m *Manager) Apply(ctx context.Context, table Table) {
	m.mu.Lock()
	previous := m.owned
	next := table.AssignmentOf(m.config.Host)
	m.table = &table
	m.owned = next
	m.mu.Unlock()

	assigned, revoked := previous.Diff(next)

	if m.config.Collector != nil {
		m.config.Collector.SetOwnedShards(next.Len())
		m.config.Collector.IncShardRevisions()
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "applied shard table",
			"revision", table.Revision.ID,
			"owned", next.Len(),
			"assigned", len(assigned),
			"revoked", len(revoked))
	}

	if len(revoked) > 0 && m.config.OnRevoke != nil {
		m.config.OnRevoke(ctx, NewAssignment(table.Revision.NumberOfShards, revoked...))
	}
}

// Revision returns the applied revision id, or "" if none.
func (m *Manager) Revision() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.table == nil {
		return ""
	}
	return m.table.Revision.ID
}

// Assignment returns a copy of the shards this host owns.
func (m *Manager) Assignment() Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return NewAssignment(m.owned.NumberOfShards, m.owned.Sorted()...)
}

// OwnerOf returns the host owning the worker according to the applied table.
func (m *Manager) OwnerOf(worker durable.WorkerID) (HostID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.table == nil {
		return "", ErrNoTable
	}
	host, ok := m.table.OwnerOf(worker)
	if !ok {
		return "", fmt.Errorf("shard %s of worker %s is unassigned: %w",
			FromWorkerID(worker, m.table.Revision.NumberOfShards), worker, durable.ErrShardNotOwned)
	}
	return host, nil
}

// IsMine reports whether this host owns the worker.
func (m *Manager) IsMine(worker durable.WorkerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.table != nil && m.owned.ContainsWorker(worker)
}

// Check returns durable.ErrShardNotOwned unless this host owns the worker.
func (m *Manager) Check(worker durable.WorkerID) error {
	if m.IsMine(worker) {
		return nil
	}
	owner, err := m.OwnerOf(worker)
	if err != nil {
		return fmt.Errorf("worker %s: %w", worker, durable.ErrShardNotOwned)
	}
	return fmt.Errorf("worker %s is owned by %s: %w", worker, owner, durable.ErrShardNotOwned)
}
