// Package promise implements durable promises that workers can await and other parties complete.
package promise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/google/uuid"
)

var (
	// ErrPromiseNotFound indicates the promise id is unknown.
	ErrPromiseNotFound = errors.New("promise not found")

	// ErrInvalidID indicates a malformed promise id.
	ErrInvalidID = errors.New("invalid promise id")
)

// ID identifies a promise. It embeds the owning worker so completions can be routed to it.
type ID string

// NewID creates a promise id owned by worker.
func NewID(worker durable.OwnedWorkerID) ID {
	return ID(fmt.Sprintf("%s/%s/%s", worker.AccountID, worker.WorkerID, uuid.NewString()))
}

// Owner returns the worker that created the promise.
func (id ID) Owner() (durable.OwnedWorkerID, error) {
	account, rest, ok := strings.Cut(string(id), "/")
	if !ok {
		return durable.OwnedWorkerID{}, ErrInvalidID
	}
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return durable.OwnedWorkerID{}, ErrInvalidID
	}
	worker, err := durable.ParseWorkerID(rest[:idx])
	if err != nil {
		return durable.OwnedWorkerID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return durable.OwnedWorkerID{AccountID: durable.AccountID(account), WorkerID: worker}, nil
}

type entry struct {
	data      []byte
	completed bool
	waiters   []func(ID)
}

// Service stores promises in memory.
type Service struct {
	mu       sync.Mutex
	promises map[ID]*entry
}

// NewService creates an empty promise service.
func NewService() *Service {
	return &Service{promises: make(map[ID]*entry)}
}

// Create registers a new pending promise owned by worker.
func (s *Service) Create(ctx context.Context, worker durable.OwnedWorkerID) (ID, error) {
	id := NewID(worker)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.promises[id] = &entry{}
	return id, nil
}

// Complete resolves the promise with data. It returns false if it was already completed.
func (s *Service) Complete(ctx context.Context, id ID, data []byte) (bool, error) {
	s.mu.Lock()
	e, ok := s.promises[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrPromiseNotFound
	}
	if e.completed {
		s.mu.Unlock()
		return false, nil
	}
	e.completed = true
	e.data = append([]byte(nil), data...)
	waiters := e.waiters
	e.waiters = nil
	s.mu.Unlock()

	for _, wake := range waiters {
		wake(id)
	}
	return true, nil
}

// Poll returns the promise's data and whether it is completed.
func (s *Service) Poll(ctx context.Context, id ID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.promises[id]
	if !ok {
		return nil, false, ErrPromiseNotFound
	}
	if !e.completed {
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

// OnComplete calls wake once the promise is completed, immediately if it already is.
func (s *Service) OnComplete(id ID, wake func(ID)) error {
	s.mu.Lock()
	e, ok := s.promises[id]
	if !ok {
		s.mu.Unlock()
		return ErrPromiseNotFound
	}
	if !e.completed {
		e.waiters = append(e.waiters, wake)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	wake(id)
	return nil
}

// Delete forgets a promise.
func (s *Service) Delete(ctx context.Context, id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.promises, id)
}
