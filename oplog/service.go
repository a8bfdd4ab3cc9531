package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing/es"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Clock stamps entries. Defaults to the wall clock.
	Clock clock.Clock

	// Logger is an optional logger.
	Logger es.Logger

	// Collector records oplog metrics. Nil disables metrics.
	Collector *metrics.Collector
}

// Service opens per-worker oplogs over an OplogStore.
type Service struct {
	store     store.OplogStore
	clock     clock.Clock
	logger    es.Logger
	collector *metrics.Collector
}

// NewService creates an oplog service.
func NewService(s store.OplogStore, config ServiceConfig) *Service {
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Service{
		store:     s,
		clock:     config.Clock,
		logger:    config.Logger,
		collector: config.Collector,
	}
}

// Create writes the Create entry of a new worker and returns its oplog.
// Returns durable.ErrWorkerAlreadyExists if the worker already has an oplog.
func (s *Service) Create(ctx context.Context, create *Create) (*Oplog, error) {
	worker := create.WorkerID

	last, err := s.store.LastIndex(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("failed to check oplog of %s: %w", worker, err)
	}
	if last != durable.NoneIndex {
		return nil, durable.ErrWorkerAlreadyExists
	}

	o := newOplog(worker, s.store, s.clock, s.collector, durable.NoneIndex)
	if _, err := o.Add(create); err != nil {
		return nil, err
	}
	if err := o.Commit(ctx); err != nil {
		if errors.Is(err, store.ErrIndexConflict) {
			return nil, durable.ErrWorkerAlreadyExists
		}
		return nil, err
	}

	if s.logger != nil {
		s.logger.Debug(ctx, "oplog created", "worker_id", worker.String(), "component_version", create.ComponentVersion)
	}

	return o, nil
}

// Open returns the oplog of an existing worker.
// Returns durable.ErrWorkerNotFound if the worker has no oplog.
func (s *Service) Open(ctx context.Context, worker durable.OwnedWorkerID) (*Oplog, error) {
	last, err := s.store.LastIndex(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("failed to open oplog of %s: %w", worker, err)
	}
	if last == durable.NoneIndex {
		return nil, durable.ErrWorkerNotFound
	}
	return newOplog(worker, s.store, s.clock, s.collector, last), nil
}

// Read returns the decoded stored entries with from <= index <= to.
func (s *Service) Read(ctx context.Context, worker durable.OwnedWorkerID, from, to durable.OplogIndex) ([]IndexedEntry, error) {
	records, err := s.store.ReadRange(ctx, worker, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read oplog of %s: %w", worker, err)
	}
	return decodeRecords(records)
}

// ReadCreate returns the Create entry of a worker.
func (s *Service) ReadCreate(ctx context.Context, worker durable.OwnedWorkerID) (*Create, error) {
	entries, err := s.Read(ctx, worker, durable.InitialIndex, durable.InitialIndex)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, durable.ErrWorkerNotFound
	}
	create, ok := entries[0].Entry.(*Create)
	if !ok {
		return nil, &durable.DivergenceError{
			Index:    durable.InitialIndex,
			Expected: string(KindCreate),
			Actual:   string(entries[0].Entry.Kind()),
		}
	}
	return create, nil
}

// LastIndex returns the index of the last stored entry of a worker.
func (s *Service) LastIndex(ctx context.Context, worker durable.OwnedWorkerID) (durable.OplogIndex, error) {
	return s.store.LastIndex(ctx, worker)
}

// ScanByComponent lists workers of a component. The returned cursor is 0 when the scan is complete.
func (s *Service) ScanByComponent(ctx context.Context, component durable.ComponentID, cursor uint64, count int) (uint64, []durable.OwnedWorkerID, error) {
	next, workers, err := s.store.Scan(ctx, component, cursor, count)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan component %s: %w", component, err)
	}
	return next, workers, nil
}
