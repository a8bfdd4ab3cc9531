// Package executor wires the durable worker executor of one host together.
//
// An Executor serves the workers of the shards its host owns. Run registers the host,
// heartbeats, keeps the shard table balanced and applies every new revision locally, so that
// workers of revoked shards are evicted and recovered by their new owner.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/activator"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/coordinator"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/lifecycle"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing-durable/worker"
	"github.com/getpup/pupsourcing/es"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence an executor runs on. store/memory and store/sqldb implement it.
type Store interface {
	store.OplogStore
	store.MetadataStore
	store.ShardStore
}

// Config holds configuration for the Executor.
type Config struct {
	// Host identifies this executor in the shard table (required).
	Host shard.HostID

	// Store persists oplogs, metadata and the shard table (required).
	Store Store

	// Components resolves the components workers run (required).
	Components component.Service

	// Promises backs promise host functions (default: in-memory).
	Promises *promise.Service

	// KeyValue backs key-value host functions (default: in-memory).
	KeyValue hostfn.KeyValue

	// PersistenceLevel defaults to durability.Smart.
	PersistenceLevel durability.PersistenceLevel

	// AssumeIdempotence skips the remote write bracket.
	AssumeIdempotence bool

	// SuspendThreshold is the longest sleep served in memory (default: 10s).
	SuspendThreshold time.Duration

	// Retry decides what happens after a trap.
	Retry worker.RetryPolicy

	// MaxActiveWorkers caps the number of loaded workers (default: unlimited).
	MaxActiveWorkers int

	// NumberOfShards is used when this executor creates the first revision (default: 1024).
	NumberOfShards int

	// HeartbeatInterval is the interval between heartbeats (default: 5s).
	HeartbeatInterval time.Duration

	// StaleHostTimeout is the duration after which a host is considered dead (default: 30s).
	StaleHostTimeout time.Duration

	// PollInterval is how often the shard table is checked (default: 1s).
	PollInterval time.Duration

	// ShutdownTimeout bounds stopping the loaded workers (default: 10s).
	ShutdownTimeout time.Duration

	// MetricsAddr serves /metrics and /healthz while Run is active, e.g. ":9090" (optional).
	MetricsAddr string

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger es.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Executor runs the durable workers of one host. It implements durable.Executor.
type Executor struct {
	config Config
	worker worker.Config

	oplog       *oplog.Service
	shards      *shard.Manager
	activator   *activator.Activator
	coordinator *coordinator.Coordinator
	lifecycle   *lifecycle.Manager
	collector   *metrics.Collector

	ready *atomic.Bool
}

var _ durable.Executor = (*Executor)(nil)

// New creates an Executor. Workers can be served once Run applied the first shard table.
func New(cfg Config) (*Executor, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Components == nil {
		return nil, errors.New("components are required")
	}

	if cfg.Promises == nil {
		cfg.Promises = promise.NewService()
	}
	if cfg.KeyValue == nil {
		cfg.KeyValue = hostfn.NewMemoryKeyValue()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled == nil || *cfg.MetricsEnabled {
		collector = metrics.NewCollector(string(cfg.Host))
	}

	e := &Executor{
		config:    cfg,
		collector: collector,
		ready:     atomic.NewBool(false),
	}

	e.oplog = oplog.NewService(cfg.Store, oplog.ServiceConfig{
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Collector: collector,
	})

	e.shards = shard.NewManager(shard.ManagerConfig{
		Host: cfg.Host,
		OnRevoke: func(ctx context.Context, revoked shard.Assignment) {
			e.activator.Revoke(ctx, revoked)
		},
		Logger:    cfg.Logger,
		Collector: collector,
	})

	e.worker = worker.Config{
		Oplog:             e.oplog,
		MetadataStore:     cfg.Store,
		Components:        cfg.Components,
		Promises:          cfg.Promises,
		KeyValue:          cfg.KeyValue,
		Invoker:           &invoker{executor: e},
		PersistenceLevel:  cfg.PersistenceLevel,
		AssumeIdempotence: cfg.AssumeIdempotence,
		SuspendThreshold:  cfg.SuspendThreshold,
		Retry:             cfg.Retry,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		Collector:         collector,
	}

	e.activator = activator.New(activator.Config{
		Worker:           e.worker,
		Shards:           e.shards,
		MaxActiveWorkers: cfg.MaxActiveWorkers,
		Logger:           cfg.Logger,
		Collector:        collector,
	})

	e.coordinator = coordinator.New(coordinator.Config{
		Store:            cfg.Store,
		NumberOfShards:   cfg.NumberOfShards,
		StaleHostTimeout: cfg.StaleHostTimeout,
		PollInterval:     cfg.PollInterval,
		Clock:            cfg.Clock,
		Logger:           cfg.Logger,
		Collector:        collector,
	})

	e.lifecycle = lifecycle.New(lifecycle.Config{
		Store:             cfg.Store,
		Host:              cfg.Host,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		Collector:         collector,
	})

	return e, nil
}

// Host returns the id of this executor.
func (e *Executor) Host() shard.HostID {
	return e.config.Host
}

// Ready reports whether a shard table has been applied.
func (e *Executor) Ready() bool {
	return e.ready.Load()
}

// Shards returns the executor's local view of the shard table.
func (e *Executor) Shards() *shard.Manager {
	return e.shards
}

// GetOrCreateRunning implements durable.Executor.
func (e *Executor) GetOrCreateRunning(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error) {
	w, err := e.activator.GetOrCreateRunning(ctx, req)
	if err != nil {
		return durable.WorkerMetadata{}, err
	}
	return w.Metadata(), nil
}

// GetOrCreateSuspended implements durable.Executor.
func (e *Executor) GetOrCreateSuspended(ctx context.Context, req durable.CreateWorkerRequest) (durable.WorkerMetadata, error) {
	w, err := e.activator.GetOrCreateSuspended(ctx, req)
	if err != nil {
		return durable.WorkerMetadata{}, err
	}
	return w.Metadata(), nil
}

// Invoke implements durable.Executor. The worker must exist.
func (e *Executor) Invoke(ctx context.Context, id durable.OwnedWorkerID, key durable.IdempotencyKey, function string, params []byte) ([]byte, error) {
	w, err := e.activator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Invoke(ctx, key, function, params)
}

// GetMetadata implements durable.Executor. Loaded workers answer from memory.
func (e *Executor) GetMetadata(ctx context.Context, id durable.OwnedWorkerID) (durable.WorkerMetadata, error) {
	if w, ok := e.activator.Loaded(id); ok {
		return w.Metadata(), nil
	}
	return worker.Describe(ctx, e.worker, id, false)
}

// Enumerate implements durable.Executor. The filter is applied to the scanned page, so a page
// may hold fewer than count workers while the returned cursor is not 0.
func (e *Executor) Enumerate(ctx context.Context, component durable.ComponentID, filter durable.WorkerFilter, cursor uint64, count int, precise bool) (uint64, []durable.WorkerMetadata, error) {
	next, ids, err := e.oplog.ScanByComponent(ctx, component, cursor, count)
	if err != nil {
		return 0, nil, err
	}

	result := make([]durable.WorkerMetadata, 0, len(ids))
	for _, id := range ids {
		var metadata durable.WorkerMetadata
		if w, ok := e.activator.Loaded(id); ok {
			metadata = w.Metadata()
		} else {
			metadata, err = worker.Describe(ctx, e.worker, id, precise)
			if errors.Is(err, durable.ErrWorkerNotFound) {
				continue
			}
			if err != nil {
				return 0, nil, fmt.Errorf("failed to describe worker %s: %w", id, err)
			}
		}

		if filter.Matches(metadata) {
			result = append(result, metadata)
		}
	}
	return next, result, nil
}

// Interrupt implements durable.Executor.
func (e *Executor) Interrupt(ctx context.Context, id durable.OwnedWorkerID, kind durable.InterruptKind) error {
	return e.activator.Interrupt(ctx, id, kind)
}

// Update moves a worker to another component version.
func (e *Executor) Update(ctx context.Context, id durable.OwnedWorkerID, target durable.ComponentVersion) error {
	w, err := e.activator.Get(ctx, id)
	if err != nil {
		return err
	}
	return w.Update(ctx, target)
}

// ActivatePlugin adds a plugin installation to a worker.
func (e *Executor) ActivatePlugin(ctx context.Context, id durable.OwnedWorkerID, plugin durable.PluginInstallationID) error {
	w, err := e.activator.Get(ctx, id)
	if err != nil {
		return err
	}
	return w.ActivatePlugin(ctx, plugin)
}

// DeactivatePlugin removes a plugin installation from a worker.
func (e *Executor) DeactivatePlugin(ctx context.Context, id durable.OwnedWorkerID, plugin durable.PluginInstallationID) error {
	w, err := e.activator.Get(ctx, id)
	if err != nil {
		return err
	}
	return w.DeactivatePlugin(ctx, plugin)
}

// CompletePromise completes a promise, waking the worker awaiting it.
// Returns false if the promise was already completed.
func (e *Executor) CompletePromise(ctx context.Context, id promise.ID, data []byte) (bool, error) {
	return e.config.Promises.Complete(ctx, id, data)
}

// Run registers the host and keeps its shard table up to date until ctx is cancelled.
// On return the host is marked stopping and every loaded worker is stopped.
func (e *Executor) Run(ctx context.Context) error {
	var server *metrics.Server
	if e.config.MetricsAddr != "" {
		server = metrics.NewServer(e.config.MetricsAddr, e.Ready)
		server.Start()
	}

	err := e.run(ctx)
	e.shutdown(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ShutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil && e.config.Logger != nil {
			e.config.Logger.Error(ctx, "failed to stop metrics server", "error", serr)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *Executor) run(ctx context.Context) error {
	rev, err := e.coordinator.JoinOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("failed to join shard table: %w", err)
	}
	if _, err := e.lifecycle.Register(ctx, rev.ID); err != nil {
		return fmt.Errorf("failed to register host: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.lifecycle.StartHeartbeat(gctx)
	})
	g.Go(func() error {
		return e.poll(gctx)
	})
	return g.Wait()
}

func (e *Executor) poll(ctx context.Context) error {
	ticker := e.config.Clock.Ticker(e.config.PollInterval)
	defer ticker.Stop()

	e.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.step(ctx)
		}
	}
}

// step runs one round of coordination. Errors are logged and retried on the next tick.
func (e *Executor) step(ctx context.Context) {
	if err := e.rejoinIfDead(ctx); err != nil {
		e.logError(ctx, "failed to rejoin shard table", err)
		return
	}
	if _, err := e.coordinator.CleanupStaleHosts(ctx); err != nil {
		e.logError(ctx, "failed to cleanup stale hosts", err)
	}
	if _, err := e.coordinator.Rebalance(ctx); err != nil {
		e.logError(ctx, "failed to rebalance shards", err)
		return
	}

	table, err := e.coordinator.Table(ctx)
	if err != nil {
		e.logError(ctx, "failed to read shard table", err)
		return
	}
	if table.Revision.ID == e.shards.Revision() {
		return
	}

	e.shards.Apply(ctx, table)
	e.ready.Store(true)
}

// rejoinIfDead registers the host again after another executor declared it dead, e.g. after
// missed heartbeats. Its shards were reassigned in the meantime.
func (e *Executor) rejoinIfDead(ctx context.Context) error {
	host, err := e.lifecycle.GetHost(ctx)
	if err != nil {
		return err
	}
	if host.State != shard.HostStateDead {
		return nil
	}

	rev, err := e.coordinator.JoinOrCreate(ctx)
	if err != nil {
		return err
	}
	_, err = e.lifecycle.Register(ctx, rev.ID)
	return err
}

func (e *Executor) shutdown(ctx context.Context) {
	e.ready.Store(false)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ShutdownTimeout)
	defer cancel()

	if err := e.lifecycle.UpdateState(stopCtx, shard.HostStateStopping); err != nil {
		e.logError(stopCtx, "failed to update host state to stopping", err)
	}
	if err := e.activator.Close(stopCtx); err != nil {
		e.logError(stopCtx, "failed to stop workers", err)
	}
	if e.config.Logger != nil {
		e.config.Logger.Info(stopCtx, "executor stopped", "host", e.config.Host)
	}
}

func (e *Executor) logError(ctx context.Context, msg string, err error) {
	if e.config.Logger != nil {
		e.config.Logger.Error(ctx, msg, "host", e.config.Host, "error", err)
	}
}

// invoker serves worker-to-worker calls. Targets belong to the caller's account and are
// created on the latest component version if they do not exist yet.
type invoker struct {
	executor *Executor
}

func (i *invoker) Invoke(ctx context.Context, caller durable.OwnedWorkerID, target durable.WorkerID, key durable.IdempotencyKey, function string, params []byte) ([]byte, error) {
	e := i.executor
	id := durable.OwnedWorkerID{AccountID: caller.AccountID, WorkerID: target}
	if id == caller {
		return nil, fmt.Errorf("worker %s cannot invoke itself", id)
	}

	w, err := e.activator.Get(ctx, id)
	if errors.Is(err, durable.ErrWorkerNotFound) {
		latest, lerr := e.config.Components.Latest(ctx, target.ComponentID)
		if lerr != nil {
			return nil, fmt.Errorf("failed to resolve component of %s: %w", target, lerr)
		}
		parent := caller.WorkerID
		w, err = e.activator.GetOrCreateSuspended(ctx, durable.CreateWorkerRequest{
			WorkerID:         id,
			ComponentVersion: latest.Version,
			Parent:           &parent,
		})
	}
	if err != nil {
		return nil, err
	}
	return w.Invoke(ctx, key, function, params)
}
