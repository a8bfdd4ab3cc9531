// Package activator keeps the workers of one executor in memory.
//
// Workers are loaded on demand, at most once at a time per worker, and only for shards the
// executor owns. Loading replays the status of the worker from its oplog; running it replays
// the guest. Workers of revoked shards are stopped and dropped so that their new owner can
// recover them.
package activator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/worker"
	"github.com/getpup/pupsourcing/es"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("activator closed")

// Config holds configuration for the Activator.
type Config struct {
	// Worker is the configuration every worker is loaded with (required).
	// Its Wake hook is replaced by ActivateWorker.
	Worker worker.Config

	// Shards decides which workers this executor may activate. Nil owns every worker.
	Shards *shard.Manager

	// MaxActiveWorkers caps the number of loaded workers (default: unlimited).
	MaxActiveWorkers int

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records the number of loaded workers (optional).
	Collector *metrics.Collector
}

// Activator is the registry of loaded workers. It is safe for concurrent use.
type Activator struct {
	config Config
	group  singleflight.Group

	mu      sync.Mutex
	workers map[durable.OwnedWorkerID]*worker.Worker
	closed  bool

	// loading counts reserved slots of workers being loaded.
	loading int

	// background tracks ActivateWorker goroutines.
	background sync.WaitGroup
}

// New creates an Activator with no workers loaded.
func New(cfg Config) *Activator {
	a := &Activator{
		workers: make(map[durable.OwnedWorkerID]*worker.Worker),
	}
	if cfg.Logger != nil && cfg.Worker.Logger == nil {
		cfg.Worker.Logger = cfg.Logger
	}
	if cfg.Collector != nil && cfg.Worker.Collector == nil {
		cfg.Worker.Collector = cfg.Collector
	}
	cfg.Worker.Wake = a.ActivateWorker
	a.config = cfg
	return a
}

// GetOrCreateSuspended loads the worker, creating it first if it has no oplog yet.
// The guest is not started.
func (a *Activator) GetOrCreateSuspended(ctx context.Context, req durable.CreateWorkerRequest) (*worker.Worker, error) {
	return a.activate(ctx, req.WorkerID, &req)
}

// GetOrCreateRunning loads or creates the worker and starts it.
func (a *Activator) GetOrCreateRunning(ctx context.Context, req durable.CreateWorkerRequest) (*worker.Worker, error) {
	w, err := a.GetOrCreateSuspended(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Get loads an existing worker. Returns durable.ErrWorkerNotFound if it was never created.
func (a *Activator) Get(ctx context.Context, id durable.OwnedWorkerID) (*worker.Worker, error) {
	return a.activate(ctx, id, nil)
}

// Loaded returns the worker if it is in memory.
func (a *Activator) Loaded(id durable.OwnedWorkerID) (*worker.Worker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[id]
	return w, ok
}

// Len returns the number of loaded workers.
func (a *Activator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.workers)
}

// ActivateWorker starts a stored worker in the background. Failures are logged.
func (a *Activator) ActivateWorker(id durable.OwnedWorkerID) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.background.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.background.Done()

		ctx := context.Background()
		w, err := a.Get(ctx, id)
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil && a.config.Logger != nil {
			a.config.Logger.Error(ctx, "failed to activate worker", "worker_id", id.String(), "error", err)
		}
	}()
}

// Interrupt interrupts a loaded worker. Workers that are not loaded have nothing to interrupt.
func (a *Activator) Interrupt(ctx context.Context, id durable.OwnedWorkerID, kind durable.InterruptKind) error {
	if err := a.check(id); err != nil {
		return err
	}
	w, ok := a.Loaded(id)
	if !ok {
		return nil
	}
	return w.Interrupt(ctx, kind)
}

// Evict stops a worker and drops it from memory.
func (a *Activator) Evict(ctx context.Context, id durable.OwnedWorkerID) error {
	a.mu.Lock()
	w, ok := a.workers[id]
	delete(a.workers, id)
	n := len(a.workers)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	a.setActive(n)
	return w.Stop(ctx)
}

// Revoke evicts the workers of revoked shards. It matches shard.RevokeFunc.
func (a *Activator) Revoke(ctx context.Context, revoked shard.Assignment) {
	a.mu.Lock()
	var ids []durable.OwnedWorkerID
	for id := range a.workers {
		if revoked.ContainsWorker(id.WorkerID) {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		if err := a.Evict(ctx, id); err != nil && a.config.Logger != nil {
			a.config.Logger.Error(ctx, "failed to stop worker of revoked shard", "worker_id", id.String(), "error", err)
		}
	}
	if len(ids) > 0 && a.config.Logger != nil {
		a.config.Logger.Info(ctx, "workers of revoked shards evicted", "count", len(ids), "shards", revoked.String())
	}
}

// Close stops every loaded worker. Activations requested afterwards are ignored.
func (a *Activator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.background.Wait()

	a.mu.Lock()
	workers := a.workers
	a.workers = make(map[durable.OwnedWorkerID]*worker.Worker)
	a.mu.Unlock()
	a.setActive(0)

	var errs []error
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Activator) check(id durable.OwnedWorkerID) error {
	if a.config.Shards == nil {
		return nil
	}
	return a.config.Shards.Check(id.WorkerID)
}

// activate returns the loaded worker, loading it if needed. With create set, a worker
// without an oplog is created.
func (a *Activator) activate(ctx context.Context, id durable.OwnedWorkerID, create *durable.CreateWorkerRequest) (*worker.Worker, error) {
	if err := a.check(id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := a.workers[id]; ok {
		a.mu.Unlock()
		return w, nil
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do(id.String(), func() (interface{}, error) {
		if w, ok := a.Loaded(id); ok {
			return w, nil
		}
		if err := a.reserve(ctx); err != nil {
			return nil, err
		}

		w, err := a.load(ctx, id, create)

		a.mu.Lock()
		a.loading--
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		// The shard may have been revoked while loading. Revoke only sees stored workers.
		if err := a.check(id); err != nil {
			a.mu.Unlock()
			if stopErr := w.Stop(ctx); stopErr != nil && a.config.Logger != nil {
				a.config.Logger.Error(ctx, "failed to stop worker of revoked shard", "worker_id", id.String(), "error", stopErr)
			}
			return nil, err
		}
		a.workers[id] = w
		n := len(a.workers)
		a.mu.Unlock()
		a.setActive(n)

		if a.config.Logger != nil {
			a.config.Logger.Info(ctx, "worker activated", "worker_id", id.String(), "status", string(w.Status()))
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker.Worker), nil
}

func (a *Activator) load(ctx context.Context, id durable.OwnedWorkerID, create *durable.CreateWorkerRequest) (*worker.Worker, error) {
	w, err := worker.Load(ctx, a.config.Worker, id)
	if create == nil || !errors.Is(err, durable.ErrWorkerNotFound) {
		return w, err
	}

	w, err = worker.Create(ctx, a.config.Worker, *create)
	if errors.Is(err, durable.ErrWorkerAlreadyExists) {
		// Created concurrently by a previous owner of the shard.
		return worker.Load(ctx, a.config.Worker, id)
	}
	return w, err
}

// reserve takes a loading slot, evicting a worker that is neither running nor waiting to be
// woken if the executor is full. Returns durable.ErrResourceLimit if none can be evicted.
func (a *Activator) reserve(ctx context.Context) error {
	a.mu.Lock()
	if a.config.MaxActiveWorkers <= 0 || len(a.workers)+a.loading < a.config.MaxActiveWorkers {
		a.loading++
		a.mu.Unlock()
		return nil
	}
	var victim *worker.Worker
	for _, w := range a.workers {
		if evictable(w) {
			victim = w
			break
		}
	}
	if victim == nil {
		a.mu.Unlock()
		return fmt.Errorf("%d workers active: %w", a.config.MaxActiveWorkers, durable.ErrResourceLimit)
	}
	delete(a.workers, victim.ID())
	a.loading++
	n := len(a.workers)
	a.mu.Unlock()

	a.setActive(n)
	if a.config.Logger != nil {
		a.config.Logger.Debug(ctx, "evicting idle worker", "worker_id", victim.ID().String())
	}
	if err := victim.Stop(ctx); err != nil && a.config.Logger != nil {
		a.config.Logger.Error(ctx, "failed to stop evicted worker", "worker_id", victim.ID().String(), "error", err)
	}
	return nil
}

func evictable(w *worker.Worker) bool {
	if w.IsRunning() {
		return false
	}
	switch w.Status() {
	case durable.WorkerStatusSuspended, durable.WorkerStatusRetrying:
		return false
	}
	return true
}

func (a *Activator) setActive(n int) {
	if a.config.Collector != nil {
		a.config.Collector.SetActiveWorkers(n)
	}
}
