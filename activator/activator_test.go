package activator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing-durable/store/memory"
	"github.com/getpup/pupsourcing-durable/store/storetest"
	"github.com/getpup/pupsourcing-durable/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second

type fixture struct {
	clock     *clock.Mock
	store     *memory.Store
	component durable.ComponentID
	worker    worker.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := clock.NewMock()
	s := memory.New(memory.WithClock(mock))
	id := durable.NewComponentID()

	registry := component.NewRegistry()
	registry.Register(component.FromFuncs(id, 0, map[string]component.Func{
		"echo": func(ctx context.Context, h *hostfn.Host, params []byte) ([]byte, error) {
			return params, nil
		},
		"sleep": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			if err := h.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			return []byte("slept"), nil
		},
	}))

	return &fixture{
		clock:     mock,
		store:     s,
		component: id,
		worker: worker.Config{
			Oplog:         oplog.NewService(s, oplog.ServiceConfig{Clock: mock}),
			MetadataStore: s,
			Components:    registry,
			Clock:         mock,
		},
	}
}

func (f *fixture) activator(t *testing.T, cfg Config) *Activator {
	t.Helper()

	cfg.Worker = f.worker
	a := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
	})
	return a
}

func (f *fixture) request(name string) durable.CreateWorkerRequest {
	return durable.CreateWorkerRequest{WorkerID: storetest.Worker(f.component, name)}
}

// table assigns every shard to host.
func table(host shard.HostID) shard.Table {
	return shard.Table{
		Revision: shard.Revision{ID: string(host), NumberOfShards: 1},
		Owners:   map[shard.ID]shard.HostID{0: host},
	}
}

func TestActivator_GetOrCreateSuspended(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})
	ctx := context.Background()

	w, err := a.GetOrCreateSuspended(ctx, f.request("w"))
	require.NoError(t, err)
	assert.False(t, w.IsRunning())
	assert.Equal(t, durable.WorkerStatusIdle, w.Status())

	again, err := a.GetOrCreateSuspended(ctx, f.request("w"))
	require.NoError(t, err)
	assert.Same(t, w, again)
	assert.Equal(t, 1, a.Len())

	last, err := f.store.LastIndex(ctx, f.request("w").WorkerID)
	require.NoError(t, err)
	assert.Equal(t, durable.InitialIndex, last)
}

func TestActivator_GetOrCreateRunning(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})
	ctx := context.Background()

	w, err := a.GetOrCreateRunning(ctx, f.request("w"))
	require.NoError(t, err)
	assert.True(t, w.IsRunning())

	got, err := w.Invoke(ctx, "", "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)
}

func TestActivator_ConcurrentActivationLoadsOnce(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})
	ctx := context.Background()

	const callers = 8
	workers := make([]*worker.Worker, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := a.GetOrCreateSuspended(ctx, f.request("w"))
			assert.NoError(t, err)
			workers[i] = w
		}(i)
	}
	wg.Wait()

	for _, w := range workers {
		assert.Same(t, workers[0], w)
	}
	assert.Equal(t, 1, a.Len())
}

func TestActivator_GetUnknownWorker(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})

	_, err := a.Get(context.Background(), f.request("missing").WorkerID)
	assert.ErrorIs(t, err, durable.ErrWorkerNotFound)
	assert.Zero(t, a.Len())
}

func TestActivator_ShardNotOwned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shards := shard.NewManager(shard.ManagerConfig{Host: "a"})
	a := f.activator(t, Config{Shards: shards})

	_, err := a.GetOrCreateRunning(ctx, f.request("w"))
	assert.ErrorIs(t, err, durable.ErrShardNotOwned)

	shards.Apply(ctx, table("b"))
	_, err = a.GetOrCreateRunning(ctx, f.request("w"))
	assert.ErrorIs(t, err, durable.ErrShardNotOwned)

	last, err := f.store.LastIndex(ctx, f.request("w").WorkerID)
	require.NoError(t, err)
	assert.Equal(t, durable.NoneIndex, last)
}

func TestActivator_RevokedShardsAreEvicted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var a *Activator
	shards := shard.NewManager(shard.ManagerConfig{
		Host:     "a",
		OnRevoke: func(ctx context.Context, revoked shard.Assignment) { a.Revoke(ctx, revoked) },
	})
	a = f.activator(t, Config{Shards: shards})
	shards.Apply(ctx, table("a"))

	w, err := a.GetOrCreateRunning(ctx, f.request("w"))
	require.NoError(t, err)

	shards.Apply(ctx, table("b"))

	assert.Zero(t, a.Len())
	assert.False(t, w.IsRunning())

	_, err = a.Get(ctx, f.request("w").WorkerID)
	assert.ErrorIs(t, err, durable.ErrShardNotOwned)
}

// hookedMetadataStore runs onGet before reading metadata, in the middle of loading a worker.
type hookedMetadataStore struct {
	store.MetadataStore

	mu    sync.Mutex
	onGet func()
}

func (s *hookedMetadataStore) GetMetadata(ctx context.Context, id durable.OwnedWorkerID) (durable.WorkerMetadata, error) {
	s.mu.Lock()
	hook := s.onGet
	s.onGet = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.MetadataStore.GetMetadata(ctx, id)
}

func TestActivator_ShardRevokedWhileLoading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	metadata := &hookedMetadataStore{MetadataStore: f.store}
	f.worker.MetadataStore = metadata

	var a *Activator
	shards := shard.NewManager(shard.ManagerConfig{
		Host:     "a",
		OnRevoke: func(ctx context.Context, revoked shard.Assignment) { a.Revoke(ctx, revoked) },
	})
	a = f.activator(t, Config{Shards: shards})
	shards.Apply(ctx, table("a"))

	id := f.request("w").WorkerID
	_, err := a.GetOrCreateSuspended(ctx, f.request("w"))
	require.NoError(t, err)
	require.NoError(t, a.Evict(ctx, id))

	metadata.mu.Lock()
	metadata.onGet = func() { shards.Apply(ctx, table("b")) }
	metadata.mu.Unlock()

	_, err = a.Get(ctx, id)
	assert.ErrorIs(t, err, durable.ErrShardNotOwned)

	_, loaded := a.Loaded(id)
	assert.False(t, loaded)
	assert.Zero(t, a.Len())
}

func TestActivator_ResourceLimit(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{MaxActiveWorkers: 1})
	ctx := context.Background()

	idle, err := a.GetOrCreateSuspended(ctx, f.request("idle"))
	require.NoError(t, err)

	running, err := a.GetOrCreateRunning(ctx, f.request("running"))
	require.NoError(t, err)
	assert.True(t, running.IsRunning())

	_, ok := a.Loaded(idle.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, a.Len())

	_, err = a.GetOrCreateSuspended(ctx, f.request("third"))
	assert.ErrorIs(t, err, durable.ErrResourceLimit)

	last, err := f.store.LastIndex(ctx, f.request("third").WorkerID)
	require.NoError(t, err)
	assert.Equal(t, durable.NoneIndex, last)
}

func TestActivator_ActivateWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := worker.Create(ctx, f.worker, f.request("w"))
	require.NoError(t, err)

	a := f.activator(t, Config{})
	a.ActivateWorker(created.ID())

	require.Eventually(t, func() bool {
		w, ok := a.Loaded(created.ID())
		return ok && w.IsRunning()
	}, waitFor, time.Millisecond)
}

func TestActivator_ActivateUnknownWorkerIsLogged(t *testing.T) {
	f := newFixture(t)
	logger := &recordingLogger{}
	a := f.activator(t, Config{Logger: logger})

	a.ActivateWorker(f.request("missing").WorkerID)

	require.Eventually(t, func() bool {
		return logger.has("failed to activate worker")
	}, waitFor, time.Millisecond)
	assert.Zero(t, a.Len())
}

func TestActivator_SleepingWorkerIsWoken(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})
	ctx := context.Background()

	w, err := a.GetOrCreateRunning(ctx, f.request("w"))
	require.NoError(t, err)

	_, err = w.Invoke(ctx, "k", "sleep", nil)
	require.ErrorIs(t, err, durable.ErrWorkerSuspended)

	require.Eventually(t, func() bool {
		f.clock.Add(10 * time.Minute)
		return w.Status() == durable.WorkerStatusIdle
	}, waitFor, 10*time.Millisecond)

	got, err := w.Invoke(ctx, "k", "sleep", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("slept"), got)
}

func TestActivator_Interrupt(t *testing.T) {
	f := newFixture(t)
	a := f.activator(t, Config{})
	ctx := context.Background()

	assert.NoError(t, a.Interrupt(ctx, f.request("w").WorkerID, durable.InterruptKindInterrupt))

	w, err := a.GetOrCreateRunning(ctx, f.request("w"))
	require.NoError(t, err)
	require.NoError(t, a.Interrupt(ctx, w.ID(), durable.InterruptKindInterrupt))

	assert.False(t, w.IsRunning())
	assert.Equal(t, durable.WorkerStatusInterrupted, w.Status())
}

func TestActivator_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := New(Config{Worker: f.worker})

	w, err := a.GetOrCreateRunning(ctx, f.request("w"))
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx))
	assert.False(t, w.IsRunning())
	assert.Zero(t, a.Len())

	a.ActivateWorker(w.ID())
	_, err = a.Get(ctx, w.ID())
	assert.ErrorIs(t, err, ErrClosed)
}

type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func (l *recordingLogger) Debug(_ context.Context, msg string, _ ...interface{}) { l.record(msg) }
func (l *recordingLogger) Info(_ context.Context, msg string, _ ...interface{})  { l.record(msg) }
func (l *recordingLogger) Error(_ context.Context, msg string, _ ...interface{}) { l.record(msg) }
