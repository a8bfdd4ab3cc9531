// Package worker runs one durable worker in memory.
//
// A Worker is loaded from its cached metadata. Starting it opens the oplog, instantiates the guest
// and replays every recorded invocation before serving new ones on a single goroutine. Traps,
// exits, suspensions and interrupts stop the instance; the Worker itself stays loaded and can be
// started again, which recovers it by replay.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/oplog"
)

type result struct {
	response []byte
	err      error
}

// Worker is a loaded worker. It is safe for concurrent use.
type Worker struct {
	config Config
	id     durable.OwnedWorkerID

	// startMu serializes instance creation.
	startMu sync.Mutex

	mu       sync.Mutex
	metadata durable.WorkerMetadata
	inst     *instance
	results  map[durable.IdempotencyKey]result
	timer    *clock.Timer
}

// New returns a loaded worker that is not running.
func New(config Config, metadata durable.WorkerMetadata) *Worker {
	return &Worker{
		config:   config.withDefaults(),
		id:       metadata.WorkerID,
		metadata: metadata,
		results:  make(map[durable.IdempotencyKey]result),
	}
}

// Create writes the Create entry of a new worker and caches its metadata.
// Returns durable.ErrWorkerAlreadyExists if the worker has an oplog.
func Create(ctx context.Context, config Config, req durable.CreateWorkerRequest) (*Worker, error) {
	config = config.withDefaults()

	comp, err := config.Components.Get(ctx, req.WorkerID.WorkerID.ComponentID, req.ComponentVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve component: %w", err)
	}

	create := &oplog.Create{
		WorkerID:         req.WorkerID,
		Args:             req.Args,
		Env:              req.Env,
		ComponentVersion: req.ComponentVersion,
		Parent:           req.Parent,
		ComponentSize:    comp.Size,
		InitialMemory:    comp.InitialMemory,
	}
	if _, err := config.Oplog.Create(ctx, create); err != nil {
		return nil, err
	}

	metadata := metadataOf(create, config.Retry)
	if err := config.MetadataStore.PutMetadata(ctx, metadata); err != nil {
		return nil, fmt.Errorf("failed to store metadata: %w", err)
	}

	if config.Logger != nil {
		config.Logger.Info(ctx, "worker created", "worker_id", req.WorkerID.String(), "component_version", req.ComponentVersion)
	}
	return New(config, metadata), nil
}

// Load reads the cached metadata of a worker and brings its status up to date with the oplog.
// If no metadata is cached it is rebuilt from the oplog.
// Returns durable.ErrWorkerNotFound if the worker has no oplog.
func Load(ctx context.Context, config Config, id durable.OwnedWorkerID) (*Worker, error) {
	config = config.withDefaults()

	metadata, err := config.MetadataStore.GetMetadata(ctx, id)
	if errors.Is(err, durable.ErrWorkerNotFound) {
		create, err := config.Oplog.ReadCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		metadata = metadataOf(create, config.Retry)
		if err := config.MetadataStore.PutMetadata(ctx, metadata); err != nil {
			return nil, fmt.Errorf("failed to store metadata: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	// An unreadable tail is reported when the worker replays it.
	status, err := foldStored(ctx, config, id, metadata.LastKnownStatus)
	if err != nil {
		if config.Logger != nil {
			config.Logger.Error(ctx, "failed to fold oplog tail", "worker_id", id.String(), "error", err)
		}
	} else if status.OplogIndex != metadata.LastKnownStatus.OplogIndex {
		metadata.LastKnownStatus = status
		if err := config.MetadataStore.UpdateStatus(ctx, id, status); err != nil {
			return nil, fmt.Errorf("failed to store status: %w", err)
		}
	}

	return New(config, metadata), nil
}

func metadataOf(create *oplog.Create, policy RetryPolicy) durable.WorkerMetadata {
	return durable.WorkerMetadata{
		WorkerID:  create.WorkerID,
		Args:      create.Args,
		Env:       create.Env,
		Parent:    create.Parent,
		CreatedAt: create.Time(),
		LastKnownStatus: CalculateLastKnownStatus(durable.WorkerStatusRecord{}, []oplog.IndexedEntry{
			{Index: durable.InitialIndex, Entry: create},
		}, policy),
	}
}

// foldStored applies the stored entries following record.OplogIndex.
func foldStored(ctx context.Context, config Config, id durable.OwnedWorkerID, record durable.WorkerStatusRecord) (durable.WorkerStatusRecord, error) {
	last, err := config.Oplog.LastIndex(ctx, id)
	if err != nil {
		return record, err
	}
	if last <= record.OplogIndex {
		return record, nil
	}
	entries, err := config.Oplog.Read(ctx, id, record.OplogIndex.Next(), last)
	if err != nil {
		return record, fmt.Errorf("failed to read oplog tail: %w", err)
	}
	return CalculateLastKnownStatus(record, entries, config.Retry), nil
}

// Describe returns the stored metadata of a worker without loading it. With precise set the
// status is brought up to date with the oplog tail; the result is not stored.
func Describe(ctx context.Context, config Config, id durable.OwnedWorkerID, precise bool) (durable.WorkerMetadata, error) {
	config = config.withDefaults()

	metadata, err := config.MetadataStore.GetMetadata(ctx, id)
	if errors.Is(err, durable.ErrWorkerNotFound) {
		create, err := config.Oplog.ReadCreate(ctx, id)
		if err != nil {
			return durable.WorkerMetadata{}, err
		}
		metadata = metadataOf(create, config.Retry)
		precise = true
	} else if err != nil {
		return durable.WorkerMetadata{}, fmt.Errorf("failed to load metadata: %w", err)
	}

	if !precise {
		return metadata, nil
	}
	status, err := foldStored(ctx, config, id, metadata.LastKnownStatus)
	if err != nil {
		return durable.WorkerMetadata{}, err
	}
	metadata.LastKnownStatus = status
	return metadata, nil
}

// ID returns the worker's identity.
func (w *Worker) ID() durable.OwnedWorkerID {
	return w.id
}

// Metadata returns the worker's current metadata.
func (w *Worker) Metadata() durable.WorkerMetadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metadata
}

// Status returns the worker's current status.
func (w *Worker) Status() durable.WorkerStatus {
	return w.Metadata().LastKnownStatus.Status
}

// IsRunning reports whether a guest instance is loaded.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inst != nil
}

// Start drives the worker to running. Recovery happens in the background; invocations
// wait for it. Starting a running worker does nothing.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.start(ctx)
	return err
}

func (w *Worker) start(ctx context.Context) (*instance, error) {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	w.mu.Lock()
	if w.inst != nil {
		inst := w.inst
		w.mu.Unlock()
		return inst, nil
	}
	status := w.metadata.LastKnownStatus
	w.stopTimerLocked()
	w.mu.Unlock()

	switch status.Status {
	case durable.WorkerStatusFailed:
		return nil, fmt.Errorf("worker %s: %w", w.id, durable.ErrWorkerFailed)
	case durable.WorkerStatusExited:
		return nil, fmt.Errorf("worker %s: %w", w.id, durable.ErrWorkerExited)
	}

	inst, err := w.open(ctx, status)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.inst = inst
	w.mu.Unlock()

	if w.config.Logger != nil {
		w.config.Logger.Info(ctx, "worker started",
			"worker_id", w.id.String(),
			"component_version", inst.component.Version,
			"replay_target", inst.state.Target())
	}

	go w.run(inst)
	return inst, nil
}

// Invoke calls an exported function and waits for its result. A completed invocation with the
// same idempotency key is not repeated; its recorded result is returned instead.
func (w *Worker) Invoke(ctx context.Context, key durable.IdempotencyKey, function string, params []byte) ([]byte, error) {
	if key == "" {
		key = durable.NewIdempotencyKey()
	} else if r, ok := w.completed(key); ok {
		return r.response, r.err
	}

	inst, err := w.start(ctx)
	if err != nil {
		return nil, err
	}
	return w.send(ctx, inst, &request{
		kind:     requestInvoke,
		key:      key,
		function: function,
		params:   params,
		reply:    make(chan result, 1),
	})
}

func (w *Worker) send(ctx context.Context, inst *instance, req *request) ([]byte, error) {
	select {
	case inst.requests <- req:
	case <-inst.done:
		return nil, inst.stopErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) completed(key durable.IdempotencyKey) (result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results[key]
	return r, ok
}

func (w *Worker) remember(key durable.IdempotencyKey, r result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[key] = r
}

// Interrupt stops the running instance and waits until it stopped. An idle worker records the
// interruption at once; a running invocation is interrupted at its next host call.
// Interrupting a worker that is not running does nothing.
func (w *Worker) Interrupt(ctx context.Context, kind durable.InterruptKind) error {
	w.mu.Lock()
	inst := w.inst
	w.mu.Unlock()

	if inst == nil {
		return nil
	}

	if w.config.Collector != nil {
		w.config.Collector.IncInterrupts(string(kind))
	}
	inst.cancel(&durable.InterruptedError{Kind: kind})

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts the worker for a restart without recovering it afterwards. Used on eviction.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopTimerLocked()
	inst := w.inst
	w.mu.Unlock()

	if inst != nil {
		inst.evicted.Store(true)
	}
	return w.Interrupt(ctx, durable.InterruptKindRestart)
}

// Update switches the worker to another component version. The worker restarts and replays its
// history against the target version; if that diverges it records a failed update and recovers on
// the version it ran before.
func (w *Worker) Update(ctx context.Context, target durable.ComponentVersion) error {
	status := w.Metadata().LastKnownStatus
	if status.ComponentVersion == target && status.PendingUpdate == nil {
		return nil
	}
	if _, err := w.config.Components.Get(ctx, w.id.WorkerID.ComponentID, target); err != nil {
		return fmt.Errorf("failed to resolve update target: %w", err)
	}
	return w.control(ctx, &oplog.PendingUpdate{TargetVersion: target}, true)
}

// ActivatePlugin adds a plugin installation to the worker.
func (w *Worker) ActivatePlugin(ctx context.Context, plugin durable.PluginInstallationID) error {
	if w.Metadata().LastKnownStatus.HasPlugin(plugin) {
		return nil
	}
	return w.control(ctx, &oplog.ActivatePlugin{Plugin: plugin}, false)
}

// DeactivatePlugin removes a plugin installation from the worker.
func (w *Worker) DeactivatePlugin(ctx context.Context, plugin durable.PluginInstallationID) error {
	if !w.Metadata().LastKnownStatus.HasPlugin(plugin) {
		return nil
	}
	return w.control(ctx, &oplog.DeactivatePlugin{Plugin: plugin}, false)
}

// control records entry between invocations.
func (w *Worker) control(ctx context.Context, entry oplog.Entry, restart bool) error {
	inst, err := w.start(ctx)
	if err != nil {
		return err
	}
	_, err = w.send(ctx, inst, &request{
		kind:    requestControl,
		entry:   entry,
		restart: restart,
		reply:   make(chan result, 1),
	})
	return err
}

func (w *Worker) setStatus(status durable.WorkerStatusRecord) {
	w.mu.Lock()
	previous := w.metadata.LastKnownStatus.Status
	w.metadata.LastKnownStatus = status
	w.mu.Unlock()

	if previous != status.Status && w.config.Collector != nil {
		w.config.Collector.IncWorkerTransition(string(status.Status))
	}
}

// publish caches the status and stores it.
func (w *Worker) publish(ctx context.Context, status durable.WorkerStatusRecord) {
	w.setStatus(status)

	if err := w.config.MetadataStore.UpdateStatus(ctx, w.id, status); err != nil && w.config.Logger != nil {
		w.config.Logger.Error(ctx, "failed to store worker status", "worker_id", w.id.String(), "error", err)
	}
}

func (w *Worker) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Worker) wake() {
	if w.config.Wake != nil {
		w.config.Wake(w.id)
		return
	}

	ctx := context.Background()
	if err := w.Start(ctx); err != nil && w.config.Logger != nil {
		w.config.Logger.Error(ctx, "failed to resume worker", "worker_id", w.id.String(), "error", err)
	}
}
