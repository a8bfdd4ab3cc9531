// Package store declares the persistence collaborators of the executor.
//
// Oplog records are opaque bytes at this layer; encoding belongs to the oplog package.
// Implementations must be safe for concurrent access from multiple workers and hosts.
package store

import (
	"context"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/shard"
)

// Record is one stored oplog entry.
type Record struct {
	Index durable.OplogIndex
	Data  []byte
}

// OplogStore persists per-worker append-only oplogs.
type OplogStore interface {
	// Append stores records at consecutive indexes starting at first.
	// Returns ErrIndexConflict if first is not the successor of the last stored index,
	// so an index is never written twice.
	Append(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) error

	// ReadRange returns the records with from <= index <= to, in index order.
	ReadRange(ctx context.Context, worker durable.OwnedWorkerID, from, to durable.OplogIndex) ([]Record, error)

	// LastIndex returns the index of the last stored record, or durable.NoneIndex if the oplog is empty.
	LastIndex(ctx context.Context, worker durable.OwnedWorkerID) (durable.OplogIndex, error)

	// Scan returns up to count workers of a component that have an oplog, ordered by worker name,
	// starting at cursor. The returned cursor is 0 once the scan is complete.
	Scan(ctx context.Context, component durable.ComponentID, cursor uint64, count int) (uint64, []durable.OwnedWorkerID, error)
}

// MetadataStore caches worker metadata derived from the oplog.
type MetadataStore interface {
	// GetMetadata returns the cached metadata.
	// Returns durable.ErrWorkerNotFound if nothing is cached for the worker.
	GetMetadata(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error)

	// PutMetadata stores the metadata, replacing any existing entry.
	PutMetadata(ctx context.Context, metadata durable.WorkerMetadata) error

	// UpdateStatus replaces the cached status record if it is newer than the stored one.
	// Returns durable.ErrWorkerNotFound if no metadata exists.
	UpdateStatus(ctx context.Context, worker durable.OwnedWorkerID, status durable.WorkerStatusRecord) error
}

// ShardStore persists shard table revisions and executor host membership.
type ShardStore interface {
	// GetActiveRevision returns the newest shard table revision.
	// Returns ErrNoRevision if no revision exists.
	GetActiveRevision(ctx context.Context) (shard.Revision, error)

	// CreateRevision creates a new revision and makes it active.
	CreateRevision(ctx context.Context, numberOfShards int) (shard.Revision, error)

	// RegisterHost registers the host as pending in the revision, or re-registers it.
	RegisterHost(ctx context.Context, host shard.HostID, revisionID string) (shard.Host, error)

	// AssignShards stores the owners of every shard in the revision and marks the owning hosts active.
	// Returns ErrRevisionNotFound if the revision does not exist.
	AssignShards(ctx context.Context, revisionID string, owners map[shard.ID]shard.HostID) error

	// GetAssignments returns the shard owners of a revision.
	// Returns an empty map if the revision has not been assigned yet.
	GetAssignments(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error)

	// UpdateHostState updates the state of a host.
	// Returns ErrHostNotFound if the host does not exist.
	UpdateHostState(ctx context.Context, host shard.HostID, state shard.HostState) error

	// Heartbeat updates the last heartbeat time of a host.
	// Returns ErrHostNotFound if the host does not exist.
	Heartbeat(ctx context.Context, host shard.HostID) error

	// GetHost returns a host by id.
	// Returns ErrHostNotFound if the host does not exist.
	GetHost(ctx context.Context, host shard.HostID) (shard.Host, error)

	// GetActiveHosts returns all hosts that are not dead.
	GetActiveHosts(ctx context.Context) ([]shard.Host, error)

	// GetPendingHosts returns hosts awaiting shards.
	GetPendingHosts(ctx context.Context) ([]shard.Host, error)

	// MarkHostDead marks a host as dead.
	// Returns ErrHostNotFound if the host does not exist.
	MarkHostDead(ctx context.Context, host shard.HostID) error
}
