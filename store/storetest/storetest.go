// Package storetest holds behavioural tests shared by every store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Worker returns a fresh owned worker id for component.
func Worker(component durable.ComponentID, name string) durable.OwnedWorkerID {
	return durable.OwnedWorkerID{
		AccountID: "account-1",
		WorkerID:  durable.WorkerID{ComponentID: component, WorkerName: name},
	}
}

// RunOplogStoreTests exercises an OplogStore. newStore must return an empty store.
func RunOplogStoreTests(t *testing.T, newStore func(t *testing.T) store.OplogStore) {
	ctx := context.Background()

	t.Run("empty oplog", func(t *testing.T) {
		s := newStore(t)
		worker := Worker(durable.NewComponentID(), "w")

		last, err := s.LastIndex(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, durable.NoneIndex, last)

		records, err := s.ReadRange(ctx, worker, durable.InitialIndex, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("append and read range", func(t *testing.T) {
		s := newStore(t)
		worker := Worker(durable.NewComponentID(), "w")

		require.NoError(t, s.Append(ctx, worker, 1, [][]byte{[]byte("a"), []byte("b")}))
		require.NoError(t, s.Append(ctx, worker, 3, [][]byte{[]byte("c")}))

		last, err := s.LastIndex(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, durable.OplogIndex(3), last)

		records, err := s.ReadRange(ctx, worker, 2, 10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, durable.OplogIndex(2), records[0].Index)
		assert.Equal(t, []byte("b"), records[0].Data)
		assert.Equal(t, durable.OplogIndex(3), records[1].Index)
		assert.Equal(t, []byte("c"), records[1].Data)
	})

	t.Run("append never overwrites an index", func(t *testing.T) {
		s := newStore(t)
		worker := Worker(durable.NewComponentID(), "w")

		require.NoError(t, s.Append(ctx, worker, 1, [][]byte{[]byte("a")}))

		err := s.Append(ctx, worker, 1, [][]byte{[]byte("x")})
		assert.ErrorIs(t, err, store.ErrIndexConflict)

		err = s.Append(ctx, worker, 3, [][]byte{[]byte("x")})
		assert.ErrorIs(t, err, store.ErrIndexConflict)

		records, err := s.ReadRange(ctx, worker, 1, 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("a"), records[0].Data)
	})

	t.Run("oplogs are keyed per worker", func(t *testing.T) {
		s := newStore(t)
		component := durable.NewComponentID()
		w1 := Worker(component, "w1")
		w2 := Worker(component, "w2")

		require.NoError(t, s.Append(ctx, w1, 1, [][]byte{[]byte("one")}))
		require.NoError(t, s.Append(ctx, w2, 1, [][]byte{[]byte("two")}))

		records, err := s.ReadRange(ctx, w2, 1, 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, []byte("two"), records[0].Data)
	})

	t.Run("concurrent appenders never share an index", func(t *testing.T) {
		s := newStore(t)
		worker := Worker(durable.NewComponentID(), "w")

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Append(ctx, worker, 1, [][]byte{[]byte(fmt.Sprint(i))}); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		last, err := s.LastIndex(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, durable.OplogIndex(1), last)
	})

	t.Run("scan pages through a component", func(t *testing.T) {
		s := newStore(t)
		component := durable.NewComponentID()
		other := durable.NewComponentID()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Append(ctx, Worker(component, fmt.Sprintf("w-%d", i)), 1, [][]byte{[]byte("c")}))
		}
		require.NoError(t, s.Append(ctx, Worker(other, "foreign"), 1, [][]byte{[]byte("c")}))

		var names []string
		cursor := uint64(0)
		for {
			next, workers, err := s.Scan(ctx, component, cursor, 2)
			require.NoError(t, err)
			for _, w := range workers {
				names = append(names, w.WorkerID.WorkerName)
			}
			if next == 0 {
				break
			}
			cursor = next
		}

		assert.Equal(t, []string{"w-0", "w-1", "w-2", "w-3", "w-4"}, names)
	})
}

// RunMetadataStoreTests exercises a MetadataStore.
func RunMetadataStoreTests(t *testing.T, newStore func(t *testing.T) store.MetadataStore) {
	ctx := context.Background()

	t.Run("missing metadata", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetMetadata(ctx, Worker(durable.NewComponentID(), "w"))
		assert.ErrorIs(t, err, durable.ErrWorkerNotFound)

		err = s.UpdateStatus(ctx, Worker(durable.NewComponentID(), "w"), durable.WorkerStatusRecord{})
		assert.ErrorIs(t, err, durable.ErrWorkerNotFound)
	})

	t.Run("put get and update status", func(t *testing.T) {
		s := newStore(t)
		worker := Worker(durable.NewComponentID(), "w")
		parent := durable.WorkerID{ComponentID: durable.NewComponentID(), WorkerName: "parent"}
		md := durable.WorkerMetadata{
			WorkerID: worker,
			Args:     []string{"a"},
			Env:      []durable.EnvVar{{Name: "K", Value: "V"}},
			Parent:   &parent,
			LastKnownStatus: durable.WorkerStatusRecord{
				Status:     durable.WorkerStatusIdle,
				OplogIndex: 1,
			},
		}

		require.NoError(t, s.PutMetadata(ctx, md))

		got, err := s.GetMetadata(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, md.Args, got.Args)
		assert.Equal(t, md.Env, got.Env)
		require.NotNil(t, got.Parent)
		assert.Equal(t, parent, *got.Parent)
		assert.Equal(t, durable.WorkerStatusIdle, got.LastKnownStatus.Status)

		require.NoError(t, s.UpdateStatus(ctx, worker, durable.WorkerStatusRecord{
			Status:        durable.WorkerStatusRunning,
			ActivePlugins: []durable.PluginInstallationID{"p"},
			OplogIndex:    5,
		}))
		require.NoError(t, s.UpdateStatus(ctx, worker, durable.WorkerStatusRecord{
			Status:     durable.WorkerStatusFailed,
			OplogIndex: 3,
		}))

		got, err = s.GetMetadata(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, durable.WorkerStatusRunning, got.LastKnownStatus.Status)
		assert.Equal(t, durable.OplogIndex(5), got.LastKnownStatus.OplogIndex)
		assert.Equal(t, []durable.PluginInstallationID{"p"}, got.LastKnownStatus.ActivePlugins)
	})
}

// RunShardStoreTests exercises a ShardStore.
func RunShardStoreTests(t *testing.T, newStore func(t *testing.T) store.ShardStore) {
	ctx := context.Background()

	t.Run("no revision", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetActiveRevision(ctx)
		assert.ErrorIs(t, err, store.ErrNoRevision)
	})

	t.Run("newest revision is active", func(t *testing.T) {
		s := newStore(t)

		_, err := s.CreateRevision(ctx, 16)
		require.NoError(t, err)
		rev2, err := s.CreateRevision(ctx, 16)
		require.NoError(t, err)

		active, err := s.GetActiveRevision(ctx)
		require.NoError(t, err)
		assert.Equal(t, rev2.ID, active.ID)
		assert.Equal(t, 16, active.NumberOfShards)
	})

	t.Run("register and assign hosts", func(t *testing.T) {
		s := newStore(t)
		rev, err := s.CreateRevision(ctx, 4)
		require.NoError(t, err)

		host, err := s.RegisterHost(ctx, "host-a", rev.ID)
		require.NoError(t, err)
		assert.Equal(t, shard.HostStatePending, host.State)
		_, err = s.RegisterHost(ctx, "host-b", rev.ID)
		require.NoError(t, err)

		pending, err := s.GetPendingHosts(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		owners := map[shard.ID]shard.HostID{0: "host-a", 1: "host-b", 2: "host-a", 3: "host-b"}
		require.NoError(t, s.AssignShards(ctx, rev.ID, owners))

		got, err := s.GetAssignments(ctx, rev.ID)
		require.NoError(t, err)
		assert.Equal(t, owners, got)

		pending, err = s.GetPendingHosts(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		h, err := s.GetHost(ctx, "host-a")
		require.NoError(t, err)
		assert.Equal(t, shard.HostStateActive, h.State)
		assert.Equal(t, rev.ID, h.RevisionID)
	})

	t.Run("assign to unknown revision", func(t *testing.T) {
		s := newStore(t)

		err := s.AssignShards(ctx, "00000000-0000-0000-0000-000000000000", map[shard.ID]shard.HostID{0: "a"})
		assert.ErrorIs(t, err, store.ErrRevisionNotFound)
	})

	t.Run("host state heartbeat and death", func(t *testing.T) {
		s := newStore(t)
		rev, err := s.CreateRevision(ctx, 1)
		require.NoError(t, err)
		_, err = s.RegisterHost(ctx, "host-a", rev.ID)
		require.NoError(t, err)

		require.NoError(t, s.Heartbeat(ctx, "host-a"))
		require.NoError(t, s.UpdateHostState(ctx, "host-a", shard.HostStateStopping))

		h, err := s.GetHost(ctx, "host-a")
		require.NoError(t, err)
		assert.Equal(t, shard.HostStateStopping, h.State)

		require.NoError(t, s.MarkHostDead(ctx, "host-a"))
		active, err := s.GetActiveHosts(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("unknown host", func(t *testing.T) {
		s := newStore(t)

		assert.ErrorIs(t, s.Heartbeat(ctx, "ghost"), store.ErrHostNotFound)
		assert.ErrorIs(t, s.UpdateHostState(ctx, "ghost", shard.HostStateActive), store.ErrHostNotFound)
		assert.ErrorIs(t, s.MarkHostDead(ctx, "ghost"), store.ErrHostNotFound)
		_, err := s.GetHost(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrHostNotFound)
	})
}
