package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of the oplog, metadata and shard stores.
// It is safe for concurrent use and is intended for tests and single-process deployments.
type Store struct {
	clock clock.Clock

	mu        sync.RWMutex
	oplogs    map[durable.OwnedWorkerID][][]byte
	metadata  map[durable.OwnedWorkerID]durable.WorkerMetadata
	revisions map[string]shard.Revision
	active    string
	owners    map[string]map[shard.ID]shard.HostID
	hosts     map[shard.HostID]shard.Host
}

var (
	_ store.OplogStore    = (*Store)(nil)
	_ store.MetadataStore = (*Store)(nil)
	_ store.ShardStore    = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for heartbeats and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New creates a new in-memory store with initialized maps.
func New(opts ...Option) *Store {
	s := &Store{
		clock:     clock.New(),
		oplogs:    make(map[durable.OwnedWorkerID][][]byte),
		metadata:  make(map[durable.OwnedWorkerID]durable.WorkerMetadata),
		revisions: make(map[string]shard.Revision),
		owners:    make(map[string]map[shard.ID]shard.HostID),
		hosts:     make(map[shard.HostID]shard.Host),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores records at consecutive indexes starting at first.
func (s *Store) Append(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.oplogs[worker]
	if expected := durable.OplogIndex(len(log)).Next(); first != expected {
		return fmt.Errorf("append at %d, expected %d: %w", first, expected, store.ErrIndexConflict)
	}

	for _, r := range records {
		log = append(log, append([]byte(nil), r...))
	}
	s.oplogs[worker] = log

	return nil
}

// ReadRange returns the records with from <= index <= to.
func (s *Store) ReadRange(ctx context.Context, worker durable.OwnedWorkerID, from, to durable.OplogIndex) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.oplogs[worker]
	if from < durable.InitialIndex {
		from = durable.InitialIndex
	}
	if last := durable.OplogIndex(len(log)); to > last {
		to = last
	}

	var records []store.Record
	for idx := from; idx <= to; idx++ {
		records = append(records, store.Record{Index: idx, Data: append([]byte(nil), log[idx-1]...)})
	}

	return records, nil
}

// LastIndex returns the index of the last stored record.
func (s *Store) LastIndex(ctx context.Context, worker durable.OwnedWorkerID) (durable.OplogIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return durable.OplogIndex(len(s.oplogs[worker])), nil
}

// Scan returns workers of a component ordered by worker name, then account.
func (s *Store) Scan(ctx context.Context, component durable.ComponentID, cursor uint64, count int) (uint64, []durable.OwnedWorkerID, error) {
	s.mu.RLock()
	var workers []durable.OwnedWorkerID
	for id, log := range s.oplogs {
		if id.WorkerID.ComponentID == component && len(log) > 0 {
			workers = append(workers, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(workers, func(i, j int) bool {
		if workers[i].WorkerID.WorkerName != workers[j].WorkerID.WorkerName {
			return workers[i].WorkerID.WorkerName < workers[j].WorkerID.WorkerName
		}
		return workers[i].AccountID < workers[j].AccountID
	})

	if cursor >= uint64(len(workers)) {
		return 0, nil, nil
	}
	end := cursor + uint64(count)
	if count <= 0 || end >= uint64(len(workers)) {
		return 0, workers[cursor:], nil
	}
	return end, workers[cursor:end], nil
}

// GetMetadata returns the cached metadata of a worker.
func (s *Store) GetMetadata(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.metadata[worker]
	if !ok {
		return durable.WorkerMetadata{}, durable.ErrWorkerNotFound
	}
	return md, nil
}

// PutMetadata stores the metadata of a worker.
func (s *Store) PutMetadata(ctx context.Context, metadata durable.WorkerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata[metadata.WorkerID] = metadata
	return nil
}

// UpdateStatus replaces the cached status if it covers a later oplog index.
func (s *Store) UpdateStatus(ctx context.Context, worker durable.OwnedWorkerID, status durable.WorkerStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.metadata[worker]
	if !ok {
		return durable.ErrWorkerNotFound
	}
	if status.OplogIndex < md.LastKnownStatus.OplogIndex {
		return nil
	}
	md.LastKnownStatus = status
	s.metadata[worker] = md
	return nil
}

// GetActiveRevision returns the newest shard table revision.
func (s *Store) GetActiveRevision(ctx context.Context) (shard.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, ok := s.revisions[s.active]
	if !ok {
		return shard.Revision{}, store.ErrNoRevision
	}
	return rev, nil
}

// CreateRevision creates a new revision and makes it active.
func (s *Store) CreateRevision(ctx context.Context, numberOfShards int) (shard.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := shard.Revision{
		ID:             uuid.New().String(),
		NumberOfShards: numberOfShards,
		CreatedAt:      s.clock.Now(),
	}
	s.revisions[rev.ID] = rev
	s.active = rev.ID

	return rev, nil
}

// RegisterHost registers the host as pending, keeping its original start time on re-registration.
func (s *Store) RegisterHost(ctx context.Context, host shard.HostID, revisionID string) (shard.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisions[revisionID]; !ok {
		return shard.Host{}, store.ErrRevisionNotFound
	}

	now := s.clock.Now()
	h, ok := s.hosts[host]
	if !ok || h.State == shard.HostStateDead {
		h = shard.Host{ID: host, StartedAt: now}
	}
	h.RevisionID = revisionID
	h.State = shard.HostStatePending
	h.LastHeartbeat = now
	s.hosts[host] = h

	return h, nil
}

// AssignShards stores the owners of the revision and activates the owning hosts.
func (s *Store) AssignShards(ctx context.Context, revisionID string, owners map[shard.ID]shard.HostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisions[revisionID]; !ok {
		return store.ErrRevisionNotFound
	}

	copied := make(map[shard.ID]shard.HostID, len(owners))
	for id, host := range owners {
		copied[id] = host
		if h, ok := s.hosts[host]; ok {
			h.RevisionID = revisionID
			h.State = shard.HostStateActive
			s.hosts[host] = h
		}
	}
	s.owners[revisionID] = copied

	return nil
}

// GetAssignments returns the shard owners of a revision.
func (s *Store) GetAssignments(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[shard.ID]shard.HostID, len(s.owners[revisionID]))
	for id, host := range s.owners[revisionID] {
		owners[id] = host
	}
	return owners, nil
}

// UpdateHostState updates the state of a host.
func (s *Store) UpdateHostState(ctx context.Context, host shard.HostID, state shard.HostState) error {
	return s.updateHost(host, func(h *shard.Host) { h.State = state })
}

// Heartbeat updates the last heartbeat time of a host.
func (s *Store) Heartbeat(ctx context.Context, host shard.HostID) error {
	now := s.clock.Now()
	return s.updateHost(host, func(h *shard.Host) { h.LastHeartbeat = now })
}

// MarkHostDead marks a host as dead.
func (s *Store) MarkHostDead(ctx context.Context, host shard.HostID) error {
	return s.updateHost(host, func(h *shard.Host) { h.State = shard.HostStateDead })
}

func (s *Store) updateHost(host shard.HostID, update func(h *shard.Host)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hosts[host]
	if !ok {
		return store.ErrHostNotFound
	}
	update(&h)
	s.hosts[host] = h
	return nil
}

// GetHost returns a host by id.
func (s *Store) GetHost(ctx context.Context, host shard.HostID) (shard.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[host]
	if !ok {
		return shard.Host{}, store.ErrHostNotFound
	}
	return h, nil
}

// GetActiveHosts returns all hosts that are not dead, ordered by id.
func (s *Store) GetActiveHosts(ctx context.Context) ([]shard.Host, error) {
	return s.hostsWhere(func(h shard.Host) bool { return h.State != shard.HostStateDead }), nil
}

// GetPendingHosts returns hosts awaiting shards, ordered by id.
func (s *Store) GetPendingHosts(ctx context.Context) ([]shard.Host, error) {
	return s.hostsWhere(func(h shard.Host) bool { return h.State == shard.HostStatePending }), nil
}

func (s *Store) hostsWhere(match func(h shard.Host) bool) []shard.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := []shard.Host{}
	for _, h := range s.hosts {
		if match(h) {
			hosts = append(hosts, h)
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts
}
