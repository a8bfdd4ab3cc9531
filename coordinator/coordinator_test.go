package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing-durable/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinOrCreate_FirstHostCreatesRevision(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.CreateRevisionFunc = func(ctx context.Context, numberOfShards int) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: numberOfShards}, nil
	}

	coordinator := New(Config{Store: mockStore, NumberOfShards: 16})
	rev, err := coordinator.JoinOrCreate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-1", rev.ID)
	assert.Equal(t, 16, rev.NumberOfShards)
	assert.Equal(t, []int{16}, mockStore.CreateRevisionCalls)
}

func TestJoinOrCreate_ReturnsExistingRevision(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 8}, nil
	}

	coordinator := New(Config{Store: mockStore})
	rev, err := coordinator.JoinOrCreate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-1", rev.ID)
	assert.Empty(t, mockStore.CreateRevisionCalls, "should not create new revision")
}

func TestJoinOrCreate_PropagatesStoreError(t *testing.T) {
	mockStore := store.NewMockShardStore()
	expected := errors.New("database unavailable")
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{}, expected
	}

	_, err := New(Config{Store: mockStore}).JoinOrCreate(context.Background())
	assert.ErrorIs(t, err, expected)
	assert.Empty(t, mockStore.CreateRevisionCalls)
}

func TestRebalance_NoChangesKeepsRevision(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 2}, nil
	}
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{{ID: "a", State: shard.HostStateActive}}, nil
	}
	mockStore.GetAssignmentsFunc = func(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
		return map[shard.ID]shard.HostID{0: "a", 1: "a"}, nil
	}

	rev, err := New(Config{Store: mockStore}).Rebalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-1", rev.ID)
	assert.Empty(t, mockStore.CreateRevisionCalls)
	assert.Empty(t, mockStore.AssignShardsCalls)
}

func TestRebalance_UnassignedRevisionIsAssigned(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 2}, nil
	}
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{{ID: "a", State: shard.HostStateActive}}, nil
	}

	rev, err := New(Config{Store: mockStore}).Rebalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-1", rev.ID)
	assert.Empty(t, mockStore.CreateRevisionCalls)
	require.Len(t, mockStore.AssignShardsCalls, 1)
	assert.Equal(t, "rev-1", mockStore.AssignShardsCalls[0].RevisionID)
}

func TestRebalance_PendingHostCreatesRevision(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 4}, nil
	}
	mockStore.CreateRevisionFunc = func(ctx context.Context, numberOfShards int) (shard.Revision, error) {
		return shard.Revision{ID: "rev-2", NumberOfShards: numberOfShards}, nil
	}
	mockStore.GetPendingHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{{ID: "b", State: shard.HostStatePending}}, nil
	}
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{
			{ID: "a", State: shard.HostStateActive},
			{ID: "b", State: shard.HostStatePending},
		}, nil
	}
	mockStore.GetAssignmentsFunc = func(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
		return map[shard.ID]shard.HostID{0: "a", 1: "a", 2: "a", 3: "a"}, nil
	}

	rev, err := New(Config{Store: mockStore}).Rebalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-2", rev.ID)
	assert.Equal(t, []int{4}, mockStore.CreateRevisionCalls, "new revision keeps the shard count")
	require.Len(t, mockStore.AssignShardsCalls, 1)
	assert.Equal(t, map[shard.ID]shard.HostID{0: "a", 1: "b", 2: "a", 3: "b"}, mockStore.AssignShardsCalls[0].Owners)
	assert.Empty(t, mockStore.UpdateHostStateCalls)
}

func TestRebalance_HostWithoutShardsLeavesPending(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 1}, nil
	}
	mockStore.GetPendingHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{{ID: "b", State: shard.HostStatePending}}, nil
	}
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{
			{ID: "a", State: shard.HostStateActive},
			{ID: "b", State: shard.HostStatePending},
		}, nil
	}

	_, err := New(Config{Store: mockStore}).Rebalance(context.Background())

	require.NoError(t, err)
	require.Len(t, mockStore.UpdateHostStateCalls, 1)
	assert.Equal(t, store.UpdateHostStateCall{Host: "b", State: shard.HostStateActive}, mockStore.UpdateHostStateCalls[0])
}

func TestRebalance_DeadOwnerCreatesRevision(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 2}, nil
	}
	mockStore.CreateRevisionFunc = func(ctx context.Context, numberOfShards int) (shard.Revision, error) {
		return shard.Revision{ID: "rev-2", NumberOfShards: numberOfShards}, nil
	}
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{{ID: "a", State: shard.HostStateActive}}, nil
	}
	mockStore.GetAssignmentsFunc = func(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
		return map[shard.ID]shard.HostID{0: "a", 1: "dead"}, nil
	}

	rev, err := New(Config{Store: mockStore}).Rebalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "rev-2", rev.ID)
	require.Len(t, mockStore.AssignShardsCalls, 1)
	assert.Equal(t, map[shard.ID]shard.HostID{0: "a", 1: "a"}, mockStore.AssignShardsCalls[0].Owners)
}

func TestRebalance_TwoHostsJoiningAgree(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	coordinator := New(Config{Store: s, NumberOfShards: 8})

	rev, err := coordinator.JoinOrCreate(ctx)
	require.NoError(t, err)
	_, err = s.RegisterHost(ctx, "a", rev.ID)
	require.NoError(t, err)
	_, err = s.RegisterHost(ctx, "b", rev.ID)
	require.NoError(t, err)

	first, err := coordinator.Rebalance(ctx)
	require.NoError(t, err)
	second, err := coordinator.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "a settled cluster keeps its revision")

	table, err := coordinator.Table(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, table.AssignmentOf("a").Len())
	assert.Equal(t, 4, table.AssignmentOf("b").Len())

	pending, err := s.GetPendingHosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWaitForAssignment_ReturnsWhenAssigned(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1", NumberOfShards: 2}, nil
	}

	callCount := 0
	mockStore.GetAssignmentsFunc = func(ctx context.Context, revisionID string) (map[shard.ID]shard.HostID, error) {
		callCount++
		if callCount == 1 {
			return map[shard.ID]shard.HostID{}, nil
		}
		return map[shard.ID]shard.HostID{0: "a", 1: "b"}, nil
	}

	coordinator := New(Config{Store: mockStore, PollInterval: 10 * time.Millisecond})
	table, err := coordinator.WaitForAssignment(context.Background(), "b")

	require.NoError(t, err)
	assert.Equal(t, "rev-1", table.Revision.ID)
	assert.True(t, table.AssignmentOf("b").Contains(1))
	assert.GreaterOrEqual(t, callCount, 2)
}

func TestWaitForAssignment_TimesOut(t *testing.T) {
	mockStore := store.NewMockShardStore()

	coordinator := New(Config{
		Store:               mockStore,
		PollInterval:        10 * time.Millisecond,
		CoordinationTimeout: 50 * time.Millisecond,
	})
	_, err := coordinator.WaitForAssignment(context.Background(), "a")

	assert.ErrorIs(t, err, ErrCoordinationTimeout)
}

func TestWaitForAssignment_ContextCancelled(t *testing.T) {
	mockStore := store.NewMockShardStore()
	coordinator := New(Config{Store: mockStore, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := coordinator.WaitForAssignment(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatchRevision_ReturnsWhenSuperseded(t *testing.T) {
	mockStore := store.NewMockShardStore()

	callCount := 0
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		callCount++
		if callCount < 3 {
			return shard.Revision{ID: "rev-1"}, nil
		}
		return shard.Revision{ID: "rev-2"}, nil
	}

	coordinator := New(Config{Store: mockStore, PollInterval: 10 * time.Millisecond})
	err := coordinator.WatchRevision(context.Background(), "rev-1")

	assert.ErrorIs(t, err, ErrRevisionSuperseded)
	assert.Equal(t, 3, callCount)
}

func TestWatchRevision_ContinuesOnTransientErrors(t *testing.T) {
	mockStore := store.NewMockShardStore()

	callCount := 0
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		callCount++
		if callCount == 1 {
			return shard.Revision{}, errors.New("connection reset")
		}
		return shard.Revision{ID: "rev-2"}, nil
	}

	coordinator := New(Config{Store: mockStore, PollInterval: 10 * time.Millisecond})
	err := coordinator.WatchRevision(context.Background(), "rev-1")

	assert.ErrorIs(t, err, ErrRevisionSuperseded)
	assert.Equal(t, 2, callCount)
}

func TestWatchRevision_ReturnsNilOnCancel(t *testing.T) {
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveRevisionFunc = func(ctx context.Context) (shard.Revision, error) {
		return shard.Revision{ID: "rev-1"}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := New(Config{Store: mockStore, PollInterval: 10 * time.Millisecond}).WatchRevision(ctx, "rev-1")
	assert.NoError(t, err)
}

func TestCleanupStaleHosts(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	now := mock.Now()

	mockStore := store.NewMockShardStore()
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{
			{ID: "fresh", LastHeartbeat: now.Add(-5 * time.Second)},
			{ID: "stale", LastHeartbeat: now.Add(-time.Minute)},
			{ID: "edge", LastHeartbeat: now.Add(-30 * time.Second)},
		}, nil
	}

	coordinator := New(Config{Store: mockStore, Clock: mock})
	cleaned, err := coordinator.CleanupStaleHosts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, []shard.HostID{"stale"}, mockStore.MarkHostDeadCalls)
}

func TestCleanupStaleHosts_StopsOnError(t *testing.T) {
	mock := clock.NewMock()
	mockStore := store.NewMockShardStore()
	mockStore.GetActiveHostsFunc = func(ctx context.Context) ([]shard.Host, error) {
		return []shard.Host{
			{ID: "a", LastHeartbeat: mock.Now().Add(-time.Hour)},
			{ID: "b", LastHeartbeat: mock.Now().Add(-time.Hour)},
		}, nil
	}
	mockStore.MarkHostDeadFunc = func(ctx context.Context, host shard.HostID) error {
		return store.ErrHostNotFound
	}

	cleaned, err := New(Config{Store: mockStore, Clock: mock}).CleanupStaleHosts(context.Background())

	assert.ErrorIs(t, err, store.ErrHostNotFound)
	assert.Zero(t, cleaned)
	assert.Len(t, mockStore.MarkHostDeadCalls, 1)
}

func TestCleanupStaleHosts_ThenRebalanceReassigns(t *testing.T) {
	mock := clock.NewMock()
	s := memory.New(memory.WithClock(mock))
	ctx := context.Background()
	coordinator := New(Config{Store: s, NumberOfShards: 4, Clock: mock})

	rev, err := coordinator.JoinOrCreate(ctx)
	require.NoError(t, err)
	for _, h := range []shard.HostID{"a", "b"} {
		_, err = s.RegisterHost(ctx, h, rev.ID)
		require.NoError(t, err)
	}
	_, err = coordinator.Rebalance(ctx)
	require.NoError(t, err)

	mock.Add(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "a"))

	cleaned, err := coordinator.CleanupStaleHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = coordinator.Rebalance(ctx)
	require.NoError(t, err)

	table, err := coordinator.Table(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, table.AssignmentOf("a").Len())
	assert.Zero(t, table.AssignmentOf("b").Len())
}
