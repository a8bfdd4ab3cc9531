package sqldb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing-durable/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()

	// A file-backed database per test keeps WAL mode meaningful and isolates tests.
	dsn := fmt.Sprintf("file:%s/durable.db", t.TempDir())
	s, err := Open(context.Background(), SQLite, dsn, DefaultTableConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Oplog(t *testing.T) {
	storetest.RunOplogStoreTests(t, func(t *testing.T) store.OplogStore { return openSQLite(t) })
}

func TestSQLiteStore_Metadata(t *testing.T) {
	storetest.RunMetadataStoreTests(t, func(t *testing.T) store.MetadataStore { return openSQLite(t) })
}

func TestSQLiteStore_Shards(t *testing.T) {
	storetest.RunShardStoreTests(t, func(t *testing.T) store.ShardStore { return openSQLite(t) })
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_TimestampsUseClock(t *testing.T) {
	mock := clock.NewMock()
	s := openSQLite(t).WithClock(mock)
	ctx := context.Background()

	rev, err := s.CreateRevision(ctx, 4)
	require.NoError(t, err)
	_, err = s.RegisterHost(ctx, "host-a", rev.ID)
	require.NoError(t, err)

	mock.Add(30 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "host-a"))

	h, err := s.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.True(t, mock.Now().Equal(h.LastHeartbeat))
	assert.True(t, h.StartedAt.Before(h.LastHeartbeat))

	active, err := s.GetActiveRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, active.NumberOfShards)
}

func TestSQLiteStore_ReRegistrationKeepsStartTime(t *testing.T) {
	mock := clock.NewMock()
	s := openSQLite(t).WithClock(mock)
	ctx := context.Background()

	rev, err := s.CreateRevision(ctx, 1)
	require.NoError(t, err)
	first, err := s.RegisterHost(ctx, "host-a", rev.ID)
	require.NoError(t, err)

	mock.Add(time.Minute)
	second, err := s.RegisterHost(ctx, "host-a", rev.ID)
	require.NoError(t, err)
	assert.True(t, first.StartedAt.Equal(second.StartedAt))

	require.NoError(t, s.MarkHostDead(ctx, "host-a"))
	third, err := s.RegisterHost(ctx, "host-a", rev.ID)
	require.NoError(t, err)
	assert.True(t, mock.Now().Equal(third.StartedAt))
}

func TestSQLiteStore_CustomTables(t *testing.T) {
	tables := PrefixedTableConfig("tenant_a")
	dsn := fmt.Sprintf("file:%s/custom.db", t.TempDir())
	s, err := Open(context.Background(), SQLite, dsn, tables)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	worker := storetest.Worker(durable.NewComponentID(), "w")
	require.NoError(t, s.Append(context.Background(), worker, 1, [][]byte{[]byte("x")}))

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+tables.OplogTable).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_InvalidTables(t *testing.T) {
	_, err := Open(context.Background(), SQLite, ":memory:", TableConfig{OplogTable: "bad name"})
	assert.Error(t, err)
}
