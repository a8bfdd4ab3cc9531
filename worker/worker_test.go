package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
	"github.com/getpup/pupsourcing-durable/store/memory"
	"github.com/getpup/pupsourcing-durable/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second

type fixture struct {
	store     *memory.Store
	clock     *clock.Mock
	oplog     *oplog.Service
	promises  *promise.Service
	config    Config
	component durable.ComponentID

	// traps is the number of attempts of "flaky" that panic.
	traps    *atomic.Int32
	attempts *atomic.Int32
	failures *atomic.Int32

	mu       sync.Mutex
	observed []string

	promiseIDs chan promise.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	s := memory.New(memory.WithClock(mock))

	f := &fixture{
		store:      s,
		clock:      mock,
		oplog:      oplog.NewService(s, oplog.ServiceConfig{Clock: mock}),
		promises:   promise.NewService(),
		component:  durable.NewComponentID(),
		traps:      atomic.NewInt32(0),
		attempts:   atomic.NewInt32(0),
		failures:   atomic.NewInt32(0),
		promiseIDs: make(chan promise.ID, 8),
	}

	registry := component.NewRegistry()
	registry.Register(component.FromFuncs(f.component, 0, f.funcs(false)))
	registry.Register(component.FromFuncs(f.component, 1, f.funcs(false)))
	registry.Register(component.FromFuncs(f.component, 2, f.funcs(true)))

	f.config = Config{
		Oplog:         f.oplog,
		MetadataStore: s,
		Components:    registry,
		Promises:      f.promises,
		KeyValue:      hostfn.NewMemoryKeyValue(),
		Retry:         RetryPolicy{MaxAttempts: 3, MinDelay: time.Second},
		Clock:         mock,
	}
	return f
}

// funcs returns the exports of the test component. With changed set, "now" reads a random
// number instead of the clock, which no longer matches histories recorded by the other versions.
func (f *fixture) funcs(changed bool) map[string]component.Func {
	return map[string]component.Func{
		"now": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			if changed {
				n, err := h.RandomU64(ctx)
				return []byte(fmt.Sprint(n)), err
			}
			now, err := h.Now(ctx)
			if err != nil {
				return nil, err
			}
			value := now.Format(time.RFC3339Nano)
			f.observe(value)
			return []byte(value), nil
		},
		"random": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			n, err := h.RandomU64(ctx)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint64(nil, n), nil
		},
		"remote": func(ctx context.Context, h *hostfn.Host, params []byte) ([]byte, error) {
			return nil, h.Set(ctx, "bucket", string(params), params)
		},
		"fail": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			f.failures.Inc()
			return nil, errors.New("out of stock")
		},
		"flaky": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			if f.attempts.Inc() <= f.traps.Load() {
				panic("boom")
			}
			return []byte("ok"), nil
		},
		"exit": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			return nil, durable.ErrExit
		},
		"sleep": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			if err := h.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			return []byte("slept"), nil
		},
		"random-bytes": func(ctx context.Context, h *hostfn.Host, params []byte) ([]byte, error) {
			var n int
			if err := json.Unmarshal(params, &n); err != nil {
				return nil, err
			}
			return h.RandomBytes(ctx, n)
		},
		"swallow": func(ctx context.Context, h *hostfn.Host, params []byte) ([]byte, error) {
			_ = h.Set(ctx, "bucket", "key", params)
			return []byte("ok"), nil
		},
		"levels": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			if err := h.Durability().SetPersistenceLevel(durability.PersistNothing); err != nil {
				return nil, err
			}
			if _, err := h.Now(ctx); err != nil {
				return nil, err
			}
			if err := h.Durability().SetPersistenceLevel(durability.Smart); err != nil {
				return nil, err
			}
			n, err := h.RandomU64(ctx)
			if err != nil {
				return nil, err
			}
			return binary.BigEndian.AppendUint64(nil, n), nil
		},
		"block": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			return nil, h.Sleep(ctx, 5*time.Second)
		},
		"await": func(ctx context.Context, h *hostfn.Host, _ []byte) ([]byte, error) {
			id, err := h.CreatePromise(ctx)
			if err != nil {
				return nil, err
			}
			select {
			case f.promiseIDs <- id:
			default:
			}
			return h.AwaitPromise(ctx, id)
		},
	}
}

func (f *fixture) observe(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, value)
}

func (f *fixture) observations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.observed...)
}

func (f *fixture) id(name string) durable.OwnedWorkerID {
	return storetest.Worker(f.component, name)
}

func (f *fixture) create(t *testing.T, name string) *Worker {
	t.Helper()

	w, err := Create(context.Background(), f.config, durable.CreateWorkerRequest{
		WorkerID: f.id(name),
		Args:     []string{"a"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { stopWorker(t, w) })
	return w
}

func (f *fixture) load(t *testing.T, name string) *Worker {
	t.Helper()

	w, err := Load(context.Background(), f.config, f.id(name))
	require.NoError(t, err)
	t.Cleanup(func() { stopWorker(t, w) })
	return w
}

func stopWorker(t *testing.T, w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.NoError(t, w.Stop(ctx))
}

func (f *fixture) entries(t *testing.T, name string) []oplog.IndexedEntry {
	t.Helper()

	entries, err := f.oplog.Read(context.Background(), f.id(name), durable.InitialIndex, 1000)
	require.NoError(t, err)
	return entries
}

func kinds(entries []oplog.IndexedEntry) []oplog.Kind {
	out := make([]oplog.Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Entry.Kind())
	}
	return out
}

func TestWorker_ReplayReturnsRecordedClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	first, err := w.Invoke(ctx, "k1", "now", nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop(ctx))

	f.clock.Add(time.Hour)

	reloaded := f.load(t, "w")
	require.NoError(t, reloaded.Start(ctx))

	again, err := reloaded.Invoke(ctx, "k1", "now", nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// The guest ran twice and saw the recorded time both times.
	assert.Equal(t, []string{string(first), string(first)}, f.observations())

	fresh, err := reloaded.Invoke(ctx, "k2", "now", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

func TestWorker_SequentialRemoteCallsAreLoggedInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "", "remote", []byte("first"))
	require.NoError(t, err)
	_, err = w.Invoke(ctx, "", "remote", []byte("second"))
	require.NoError(t, err)

	var invoked []string
	var params []string
	for _, e := range f.entries(t, "w") {
		switch e := e.Entry.(type) {
		case *oplog.ImportedFunctionInvoked:
			invoked = append(invoked, e.FunctionName)
			var req struct{ Key string }
			require.NoError(t, json.Unmarshal(e.Request, &req))
			params = append(params, req.Key)
		}
	}
	assert.Equal(t, []string{durability.KeyValueSet.Name, durability.KeyValueSet.Name}, invoked)
	assert.Equal(t, []string{"first", "second"}, params)
}

func TestWorker_CorruptHistoryDiverges(t *testing.T) {
	encode := func(t *testing.T, e oplog.Entry) []byte {
		data, err := oplog.Encode(e)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name   string
		second func(t *testing.T) []byte
	}{
		{
			name: "checksum mismatch",
			second: func(t *testing.T) []byte {
				data := encode(t, &oplog.ExportedFunctionInvoked{FunctionName: "now", IdempotencyKey: "k"})
				data[len(data)-1] ^= 0xff
				return data
			},
		},
		{
			name: "different entry kind",
			second: func(t *testing.T) []byte {
				return encode(t, &oplog.ExportedFunctionCompleted{Response: []byte("x")})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.id("w")

			require.NoError(t, f.store.Append(ctx, id, durable.InitialIndex, [][]byte{
				encode(t, &oplog.Create{WorkerID: id}),
				tt.second(t),
				encode(t, &oplog.ImportedFunctionInvoked{
					FunctionName: durability.WallClockNow.Name,
					Response:     json.RawMessage(`{"ok":"2024-01-01T00:00:00Z"}`),
					FunctionType: oplog.ReadLocal,
				}),
				encode(t, &oplog.ExportedFunctionCompleted{Response: []byte("2024-01-01T00:00:00Z")}),
			}))

			w := f.load(t, "w")
			_, err := w.Invoke(ctx, "k", "now", nil)
			assert.ErrorIs(t, err, durable.ErrUnexpectedOplogEntry)
			assert.ErrorIs(t, err, durable.ErrWorkerFailed)
			assert.Equal(t, durable.WorkerStatusFailed, w.Status())
			assert.Empty(t, f.observations())

			_, err = w.Invoke(ctx, "k2", "now", nil)
			assert.ErrorIs(t, err, durable.ErrWorkerFailed)
		})
	}
}

func TestWorker_DeclaredErrorIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "fail", nil)

	var guestErr *GuestError
	require.ErrorAs(t, err, &guestErr)
	assert.Equal(t, "out of stock", guestErr.Message)
	assert.False(t, durable.IsExecutionError(err))
	require.Eventually(t, func() bool {
		return w.Status() == durable.WorkerStatusIdle
	}, waitFor, time.Millisecond)

	_, err = w.Invoke(ctx, "k", "fail", nil)
	require.ErrorAs(t, err, &guestErr)
	assert.Equal(t, int32(1), f.failures.Load())

	entries := f.entries(t, "w")
	completed := entries[len(entries)-1].Entry.(*oplog.ExportedFunctionCompleted)
	assert.True(t, completed.IsError)
	assert.Equal(t, "out of stock", completed.Error)
}

func TestWorker_UnknownFunction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "", "missing", nil)
	assert.ErrorIs(t, err, component.ErrFunctionNotExported)
	assert.Equal(t, []oplog.Kind{oplog.KindCreate}, kinds(f.entries(t, "w")))
}

func TestWorker_StatusIsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "", "now", nil)
	require.NoError(t, err)

	last, err := f.oplog.LastIndex(ctx, f.id("w"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.store.GetMetadata(ctx, f.id("w"))
		return err == nil && stored.LastKnownStatus.OplogIndex == last
	}, waitFor, time.Millisecond)

	stored, err := f.store.GetMetadata(ctx, f.id("w"))
	require.NoError(t, err)
	assert.Equal(t, durable.WorkerStatusIdle, stored.LastKnownStatus.Status)
	assert.Equal(t, []string{"a"}, stored.Args)
}

func TestWorker_InvocationsDoNotInterleave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.create(t, "w")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Invoke(ctx, "", "remote", []byte(fmt.Sprint(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pattern := []oplog.Kind{
		oplog.KindExportedFunctionInvoked,
		oplog.KindBeginRemoteWrite,
		oplog.KindImportedFunctionInvoked,
		oplog.KindEndRemoteWrite,
		oplog.KindExportedFunctionCompleted,
	}
	got := kinds(f.entries(t, "w"))[1:]
	require.Len(t, got, 5*len(pattern))
	for i, k := range got {
		assert.Equal(t, pattern[i%len(pattern)], k, "entry %d", i+2)
	}
}

func TestWorker_TrapIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.traps.Store(2)

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "flaky", nil)
	assert.ErrorIs(t, err, durable.ErrTrapped)
	assert.Equal(t, durable.WorkerStatusRetrying, w.Status())

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		_, ok := w.completed("k")
		return ok
	}, waitFor, 10*time.Millisecond)

	got, err := w.Invoke(ctx, "k", "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
	assert.Equal(t, int32(3), f.attempts.Load())

	require.Eventually(t, func() bool {
		return w.Metadata().LastKnownStatus.ErrorCount == 0
	}, waitFor, 10*time.Millisecond)

	errorsLogged := 0
	for _, e := range f.entries(t, "w") {
		if e.Entry.Kind() == oplog.KindError {
			errorsLogged++
		}
	}
	assert.Equal(t, 2, errorsLogged)
}

func TestWorker_TrapFailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.traps.Store(100)
	f.config.Retry = RetryPolicy{MaxAttempts: 2, MinDelay: time.Second}

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "flaky", nil)
	assert.ErrorIs(t, err, durable.ErrTrapped)

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		return w.Status() == durable.WorkerStatusFailed && !w.IsRunning()
	}, waitFor, 10*time.Millisecond)

	_, err = w.Invoke(ctx, "k2", "now", nil)
	assert.ErrorIs(t, err, durable.ErrWorkerFailed)
	assert.Equal(t, "boom", w.Metadata().LastKnownStatus.LastError)
}

func TestWorker_Exit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "", "exit", nil)
	assert.ErrorIs(t, err, durable.ErrWorkerExited)
	assert.Equal(t, durable.WorkerStatusExited, w.Status())

	_, err = w.Invoke(ctx, "", "now", nil)
	assert.ErrorIs(t, err, durable.ErrWorkerExited)

	entries := f.entries(t, "w")
	assert.Equal(t, oplog.KindExited, entries[len(entries)-1].Entry.Kind())
}

func TestWorker_LongSleepSuspendsUntilDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "sleep", nil)

	var suspend *hostfn.SuspendError
	require.ErrorAs(t, err, &suspend)
	assert.Equal(t, oplog.SuspendReasonSleep, suspend.Reason)
	assert.ErrorIs(t, err, durable.ErrWorkerSuspended)
	assert.Equal(t, durable.WorkerStatusSuspended, w.Status())
	assert.False(t, w.IsRunning())

	require.Eventually(t, func() bool {
		f.clock.Add(10 * time.Minute)
		_, ok := w.completed("k")
		return ok
	}, waitFor, 10*time.Millisecond)

	got, err := w.Invoke(ctx, "k", "sleep", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("slept"), got)

	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindExportedFunctionInvoked,
		oplog.KindImportedFunctionInvoked,
		oplog.KindSuspend,
		oplog.KindExportedFunctionCompleted,
	}, kinds(f.entries(t, "w")))
}

func TestWorker_LongSleepResumesWhenOnlyRemoteCallsPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.PersistenceLevel = durability.PersistRemoteSideEffects

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "sleep", nil)
	require.ErrorIs(t, err, durable.ErrWorkerSuspended)

	require.Eventually(t, func() bool {
		f.clock.Add(10 * time.Minute)
		_, ok := w.completed("k")
		return ok
	}, waitFor, 10*time.Millisecond)

	got, err := w.Invoke(ctx, "k", "sleep", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("slept"), got)
	assert.Equal(t, durable.WorkerStatusIdle, w.Status())

	suspends := 0
	for _, e := range f.entries(t, "w") {
		if e.Entry.Kind() == oplog.KindSuspend {
			suspends++
		}
	}
	assert.Equal(t, 1, suspends)
}

type panickingKeyValue struct {
	*hostfn.MemoryKeyValue
}

func (panickingKeyValue) Set(context.Context, string, string, []byte) error {
	panic("key-value store unavailable")
}

func TestWorker_PanickingHostFunctionTraps(t *testing.T) {
	for _, function := range []string{"remote", "swallow"} {
		t.Run(function, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.config.KeyValue = panickingKeyValue{MemoryKeyValue: hostfn.NewMemoryKeyValue()}

			w := f.create(t, "w")
			_, err := w.Invoke(ctx, "k", function, []byte("v"))
			assert.ErrorIs(t, err, durable.ErrTrapped)
			assert.Equal(t, durable.WorkerStatusRetrying, w.Status())
			assert.Contains(t, w.Metadata().LastKnownStatus.LastError, "key-value store unavailable")

			for _, e := range f.entries(t, "w") {
				assert.NotEqual(t, oplog.KindImportedFunctionInvoked, e.Entry.Kind(), "panicking calls are not logged")
			}
		})
	}
}

func TestWorker_NegativeRandomLengthIsAnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "random-bytes", []byte("-1"))

	var herr *durability.HostError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, durability.RandomBytes.Name, herr.Function)
	assert.Equal(t, durable.WorkerStatusIdle, w.Status())

	got, err := w.Invoke(ctx, "k2", "random-bytes", []byte("4"))
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestWorker_PersistenceLevelChangesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	first, err := w.Invoke(ctx, "k1", "levels", nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop(ctx))

	reloaded := f.load(t, "w")
	require.NoError(t, reloaded.Start(ctx))

	again, err := reloaded.Invoke(ctx, "k1", "levels", nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.NotEqual(t, durable.WorkerStatusFailed, reloaded.Status())

	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindExportedFunctionInvoked,
		oplog.KindChangePersistenceLevel,
		oplog.KindChangePersistenceLevel,
		oplog.KindImportedFunctionInvoked,
		oplog.KindExportedFunctionCompleted,
	}, kinds(f.entries(t, "w")))
}

func TestWorker_PromiseCompletionResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "await", nil)
	assert.ErrorIs(t, err, durable.ErrWorkerSuspended)
	assert.Equal(t, durable.WorkerStatusSuspended, w.Status())

	id := <-f.promiseIDs
	owner, err := id.Owner()
	require.NoError(t, err)
	assert.Equal(t, f.id("w"), owner)

	ok, err := f.promises.Complete(ctx, id, []byte("done"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := w.completed("k")
		return ok
	}, waitFor, 10*time.Millisecond)

	got, err := w.Invoke(ctx, "k", "await", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), got)
}

func TestWorker_InterruptRunningInvocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.create(t, "w")

	done := make(chan error, 1)
	go func() {
		_, err := w.Invoke(ctx, "k", "block", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return w.Status() == durable.WorkerStatusRunning
	}, waitFor, time.Millisecond)
	require.NoError(t, w.Interrupt(ctx, durable.InterruptKindInterrupt))

	err := <-done
	var interrupted *durable.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, durable.InterruptKindInterrupt, interrupted.Kind)
	assert.True(t, durable.IsExecutionError(err))

	assert.Equal(t, durable.WorkerStatusInterrupted, w.Status())
	assert.False(t, w.IsRunning())

	entries := f.entries(t, "w")
	assert.Equal(t, oplog.KindInterrupted, entries[len(entries)-1].Entry.Kind())
}

func TestWorker_InterruptIdle(t *testing.T) {
	tests := []struct {
		kind    durable.InterruptKind
		entry   oplog.Kind
		status  durable.WorkerStatus
		running bool
	}{
		{kind: durable.InterruptKindInterrupt, entry: oplog.KindInterrupted, status: durable.WorkerStatusInterrupted},
		{kind: durable.InterruptKindSuspend, entry: oplog.KindSuspend, status: durable.WorkerStatusSuspended},
		{kind: durable.InterruptKindRestart, entry: oplog.KindRestart, status: durable.WorkerStatusIdle, running: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			w := f.create(t, "w")
			require.NoError(t, w.Start(ctx))
			require.NoError(t, w.Interrupt(ctx, tt.kind))

			require.Eventually(t, func() bool {
				return w.IsRunning() == tt.running
			}, waitFor, time.Millisecond)
			assert.Equal(t, tt.status, w.Status())

			entries := f.entries(t, "w")
			assert.Equal(t, tt.entry, entries[len(entries)-1].Entry.Kind())
		})
	}
}

func TestWorker_InterruptNotRunning(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, "w")

	require.NoError(t, w.Interrupt(context.Background(), durable.InterruptKindInterrupt))
	assert.Equal(t, []oplog.Kind{oplog.KindCreate}, kinds(f.entries(t, "w")))
}

func TestWorker_Update(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "now", nil)
	require.NoError(t, err)

	require.NoError(t, w.Update(ctx, 1))
	require.Eventually(t, func() bool {
		s := w.Metadata().LastKnownStatus
		return s.ComponentVersion == 1 && s.PendingUpdate == nil && w.IsRunning()
	}, waitFor, time.Millisecond)

	status := w.Metadata().LastKnownStatus
	assert.Equal(t, []durable.ComponentVersion{1}, status.SuccessfulUpdates)
	assert.Empty(t, status.FailedUpdates)
}

func TestWorker_DivergingUpdateFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.create(t, "w")
	_, err := w.Invoke(ctx, "k", "now", nil)
	require.NoError(t, err)

	require.NoError(t, w.Update(ctx, 2))
	require.Eventually(t, func() bool {
		s := w.Metadata().LastKnownStatus
		return len(s.FailedUpdates) == 1 && w.IsRunning()
	}, waitFor, time.Millisecond)

	status := w.Metadata().LastKnownStatus
	assert.Equal(t, durable.ComponentVersion(0), status.ComponentVersion)
	assert.Equal(t, []durable.ComponentVersion{2}, status.FailedUpdates)
	assert.Nil(t, status.PendingUpdate)
	assert.NotEqual(t, durable.WorkerStatusFailed, status.Status)

	got, err := w.Invoke(ctx, "k2", "now", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestWorker_UpdateToUnknownVersion(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, "w")

	err := w.Update(context.Background(), 9)
	assert.ErrorIs(t, err, component.ErrComponentNotFound)
}

func TestWorker_Plugins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.create(t, "w")

	require.NoError(t, w.ActivatePlugin(ctx, "p1"))
	require.NoError(t, w.ActivatePlugin(ctx, "p1"))
	assert.Equal(t, []durable.PluginInstallationID{"p1"}, w.Metadata().LastKnownStatus.ActivePlugins)

	require.NoError(t, w.DeactivatePlugin(ctx, "p1"))
	assert.Empty(t, w.Metadata().LastKnownStatus.ActivePlugins)

	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindActivatePlugin,
		oplog.KindDeactivatePlugin,
	}, kinds(f.entries(t, "w")))
}

func TestLoad_RebuildsMissingMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.oplog.Create(ctx, &oplog.Create{WorkerID: f.id("w"), Args: []string{"x"}})
	require.NoError(t, err)

	w := f.load(t, "w")
	assert.Equal(t, []string{"x"}, w.Metadata().Args)
	assert.Equal(t, durable.WorkerStatusIdle, w.Status())

	_, err = Load(ctx, f.config, f.id("missing"))
	assert.ErrorIs(t, err, durable.ErrWorkerNotFound)
}
