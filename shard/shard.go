// Package shard maps workers to the executor hosts that own them.
//
// The worker id space is split into a fixed number of shards. A shard table revision
// assigns every shard to exactly one host; a worker may only be activated by the host
// owning its shard in the revision that host has applied.
package shard

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
)

// ID is the index of a shard in [0, numberOfShards).
type ID int64

func (id ID) String() string {
	return "<" + strconv.FormatInt(int64(id), 10) + ">"
}

// FromWorkerID returns the shard a worker belongs to.
func FromWorkerID(worker durable.WorkerID, numberOfShards int) ID {
	if numberOfShards <= 0 {
		return 0
	}
	hash := HashWorkerID(worker)
	if hash == math.MinInt64 {
		hash = math.MaxInt64
	} else if hash < 0 {
		hash = -hash
	}
	return ID(hash % int64(numberOfShards))
}

// HashWorkerID hashes a worker id. The value is stable across processes and releases
// because it decides shard placement for every persisted worker.
func HashWorkerID(worker durable.WorkerID) int64 {
	component := worker.ComponentID
	highBits := int64(binary.BigEndian.Uint64(component[0:8]))
	lowBits := int64(binary.BigEndian.Uint64(component[8:16]))

	high := hashString(strconv.FormatInt(highBits, 10))
	low := hashString(strconv.FormatInt(lowBits, 10) + worker.WorkerName)

	return (int64(high) << 32) | (int64(low) & 0xFFFFFFFF)
}

// hashString is the 31-multiplier string hash over bytes with wrapping int32 arithmetic.
func hashString(s string) int32 {
	var hash int32
	for i := 0; i < len(s); i++ {
		hash = 31*hash + int32(s[i])
	}
	return hash
}

// HostID identifies an executor process. It must be stable across restarts of that process.
type HostID string

// HostState represents the membership state of an executor host.
type HostState string

const (
	// HostStatePending indicates the host is registered and awaiting shards.
	HostStatePending HostState = "pending"

	// HostStateActive indicates the host owns shards in the active revision.
	HostStateActive HostState = "active"

	// HostStateStopping indicates the host is draining its workers.
	HostStateStopping HostState = "stopping"

	// HostStateDead indicates the host stopped or missed its heartbeats.
	HostStateDead HostState = "dead"
)

// Host is an executor's membership record.
type Host struct {
	ID            HostID
	RevisionID    string
	State         HostState
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// Revision is one version of the shard table.
type Revision struct {
	// ID is the unique identifier of the revision (UUID).
	ID string

	// NumberOfShards is fixed for the lifetime of a cluster.
	NumberOfShards int

	CreatedAt time.Time
}

// Table is a complete shard to host mapping for one revision.
type Table struct {
	Revision Revision
	Owners   map[ID]HostID
}

// OwnerOf returns the host owning the worker's shard.
func (t Table) OwnerOf(worker durable.WorkerID) (HostID, bool) {
	host, ok := t.Owners[FromWorkerID(worker, t.Revision.NumberOfShards)]
	return host, ok
}

// AssignmentOf returns the shards the host owns.
func (t Table) AssignmentOf(host HostID) Assignment {
	a := NewAssignment(t.Revision.NumberOfShards)
	for id, owner := range t.Owners {
		if owner == host {
			a.Assign(id)
		}
	}
	return a
}

// Assignment is the set of shards owned by one host.
type Assignment struct {
	NumberOfShards int
	ShardIDs       map[ID]struct{}
}

// NewAssignment creates an assignment containing ids.
func NewAssignment(numberOfShards int, ids ...ID) Assignment {
	a := Assignment{NumberOfShards: numberOfShards, ShardIDs: make(map[ID]struct{}, len(ids))}
	a.Assign(ids...)
	return a
}

// Assign adds shards to the assignment.
func (a *Assignment) Assign(ids ...ID) {
	if a.ShardIDs == nil {
		a.ShardIDs = make(map[ID]struct{}, len(ids))
	}
	for _, id := range ids {
		a.ShardIDs[id] = struct{}{}
	}
}

// Revoke removes shards from the assignment.
func (a *Assignment) Revoke(ids ...ID) {
	for _, id := range ids {
		delete(a.ShardIDs, id)
	}
}

// Contains reports whether the shard is in the assignment.
func (a Assignment) Contains(id ID) bool {
	_, ok := a.ShardIDs[id]
	return ok
}

// ContainsWorker reports whether the worker's shard is in the assignment.
func (a Assignment) ContainsWorker(worker durable.WorkerID) bool {
	return a.Contains(FromWorkerID(worker, a.NumberOfShards))
}

// Len returns the number of shards in the assignment.
func (a Assignment) Len() int {
	return len(a.ShardIDs)
}

// Sorted returns the shard ids in ascending order.
func (a Assignment) Sorted() []ID {
	ids := make([]ID, 0, len(a.ShardIDs))
	for id := range a.ShardIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Diff returns the shards present in next but not in a, and the shards present in a but not in next.
func (a Assignment) Diff(next Assignment) (assigned, revoked []ID) {
	for _, id := range next.Sorted() {
		if !a.Contains(id) {
			assigned = append(assigned, id)
		}
	}
	for _, id := range a.Sorted() {
		if !next.Contains(id) {
			revoked = append(revoked, id)
		}
	}
	return assigned, revoked
}

func (a Assignment) String() string {
	return fmt.Sprintf("{number_of_shards: %d, shard_ids: %v}", a.NumberOfShards, a.Sorted())
}
