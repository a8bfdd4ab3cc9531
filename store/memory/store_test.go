package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing-durable/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Oplog(t *testing.T) {
	storetest.RunOplogStoreTests(t, func(t *testing.T) store.OplogStore { return New() })
}

func TestStore_Metadata(t *testing.T) {
	storetest.RunMetadataStoreTests(t, func(t *testing.T) store.MetadataStore { return New() })
}

func TestStore_Shards(t *testing.T) {
	storetest.RunShardStoreTests(t, func(t *testing.T) store.ShardStore { return New() })
}

func TestStore_HeartbeatUsesClock(t *testing.T) {
	mock := clock.NewMock()
	s := New(WithClock(mock))
	ctx := context.Background()

	rev, err := s.CreateRevision(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), rev.CreatedAt)

	host, err := s.RegisterHost(ctx, "host-a", rev.ID)
	require.NoError(t, err)
	started := host.StartedAt

	mock.Add(10 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "host-a"))

	host, err = s.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), host.LastHeartbeat)
	assert.Equal(t, started, host.StartedAt)
}

func TestStore_ReadRangeReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	worker := storetest.Worker(durable.NewComponentID(), "w")

	data := []byte("entry")
	require.NoError(t, s.Append(ctx, worker, 1, [][]byte{data}))
	data[0] = 'X'

	records, err := s.ReadRange(ctx, worker, 1, 1)
	require.NoError(t, err)
	records[0].Data[1] = 'Y'

	again, err := s.ReadRange(ctx, worker, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("entry"), again[0].Data)
}
