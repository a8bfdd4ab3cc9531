package oplog

import (
	"context"
	"fmt"
	"testing"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/store/memory"
	"github.com/getpup/pupsourcing-durable/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	svc := NewService(memory.New(), ServiceConfig{Clock: mock})
	worker := storetest.Worker(durable.NewComponentID(), "w")

	t.Run("writes the create entry at the initial index", func(t *testing.T) {
		o, err := svc.Create(ctx, &Create{WorkerID: worker, Args: []string{"a"}, ComponentVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, durable.InitialIndex, o.CommittedIndex())

		create, err := svc.ReadCreate(ctx, worker)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, create.Args)
		assert.True(t, mock.Now().Equal(create.Time()))
	})

	t.Run("rejects an existing worker", func(t *testing.T) {
		_, err := svc.Create(ctx, &Create{WorkerID: worker})
		assert.ErrorIs(t, err, durable.ErrWorkerAlreadyExists)
	})
}

func TestService_Open(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), ServiceConfig{})
	worker := storetest.Worker(durable.NewComponentID(), "w")

	_, err := svc.Open(ctx, worker)
	assert.ErrorIs(t, err, durable.ErrWorkerNotFound)

	_, err = svc.ReadCreate(ctx, worker)
	assert.ErrorIs(t, err, durable.ErrWorkerNotFound)

	created, err := svc.Create(ctx, &Create{WorkerID: worker})
	require.NoError(t, err)
	_, err = created.Add(&Exited{})
	require.NoError(t, err)
	require.NoError(t, created.Commit(ctx))

	opened, err := svc.Open(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, durable.OplogIndex(2), opened.CurrentIndex())

	idx, err := opened.Add(&Restart{})
	require.NoError(t, err)
	assert.Equal(t, durable.OplogIndex(3), idx)
}

func TestService_ReadCreateRejectsOtherFirstEntry(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	svc := NewService(s, ServiceConfig{})
	worker := storetest.Worker(durable.NewComponentID(), "w")

	data, err := Encode(&Restart{})
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, worker, durable.InitialIndex, [][]byte{data}))

	_, err = svc.ReadCreate(ctx, worker)
	var divergence *durable.DivergenceError
	require.ErrorAs(t, err, &divergence)
	assert.Equal(t, string(KindCreate), divergence.Expected)
	assert.Equal(t, string(KindRestart), divergence.Actual)
}

func TestService_ScanByComponent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), ServiceConfig{})
	component := durable.NewComponentID()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, &Create{WorkerID: storetest.Worker(component, fmt.Sprintf("w-%d", i))})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, &Create{WorkerID: storetest.Worker(durable.NewComponentID(), "other")})
	require.NoError(t, err)

	next, workers, err := svc.ScanByComponent(ctx, component, 0, 2)
	require.NoError(t, err)
	assert.Len(t, workers, 2)
	assert.NotZero(t, next)

	next, workers, err = svc.ScanByComponent(ctx, component, next, 2)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w-2", workers[0].WorkerID.WorkerName)
	assert.Zero(t, next)
}
