// Package hostfn provides the host functions a worker's guest code can call.
//
// Every function goes through the worker's durability context, so results observed by the guest
// are recorded in live mode and returned from the oplog during replay.
package hostfn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
	"github.com/google/uuid"
)

// KeyValue is the remote key-value store reachable from guests.
type KeyValue interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Invoker calls a function of another worker.
type Invoker interface {
	Invoke(ctx context.Context, caller durable.OwnedWorkerID, target durable.WorkerID, key durable.IdempotencyKey, function string, params []byte) ([]byte, error)
}

// MetadataSource returns worker metadata.
type MetadataSource interface {
	GetMetadata(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error)
}

// SuspendError asks the worker to park itself. It is returned to the guest, which must return it.
type SuspendError struct {
	Reason    oplog.SuspendReason
	Until     *time.Time
	PromiseID promise.ID
}

func (e *SuspendError) Error() string {
	switch e.Reason {
	case oplog.SuspendReasonSleep:
		return fmt.Sprintf("worker suspended until %s", e.Until.Format(time.RFC3339Nano))
	case oplog.SuspendReasonPromise:
		return fmt.Sprintf("worker suspended awaiting promise %s", e.PromiseID)
	}
	return "worker suspended"
}

func (e *SuspendError) Unwrap() error {
	return durable.ErrWorkerSuspended
}

// Config holds the collaborators of a Host.
type Config struct {
	// Clock is the source of wall-clock time and timers. Defaults to the wall clock.
	Clock clock.Clock

	// Random is the entropy source. Defaults to crypto/rand.
	Random io.Reader

	// KeyValue backs the keyvalue functions. Required for them.
	KeyValue KeyValue

	// Invoker backs worker-to-worker calls. Required for them.
	Invoker Invoker

	// Promises backs the promise functions. Required for them.
	Promises *promise.Service

	// Metadata backs the metadata functions. Required for them.
	Metadata MetadataSource

	// SuspendThreshold is the longest sleep served in memory. Longer sleeps suspend the worker.
	// Defaults to 10s.
	SuspendThreshold time.Duration
}

// Host is the host function surface of one worker.
type Host struct {
	dc     *durability.Context
	worker durable.OwnedWorkerID
	args   []string
	env    []durable.EnvVar
	config Config
	start  time.Time
}

// New creates the host functions of a worker.
func New(dc *durability.Context, create *oplog.Create, config Config) *Host {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.SuspendThreshold == 0 {
		config.SuspendThreshold = 10 * time.Second
	}

	return &Host{
		dc:     dc,
		worker: create.WorkerID,
		args:   append([]string(nil), create.Args...),
		env:    append([]durable.EnvVar(nil), create.Env...),
		config: config,
		start:  config.Clock.Now(),
	}
}

// Durability returns the worker's durability context.
func (h *Host) Durability() *durability.Context {
	return h.dc
}

// Worker returns the worker the host belongs to.
func (h *Host) Worker() durable.OwnedWorkerID {
	return h.worker
}

// Now returns the wall-clock time.
func (h *Host) Now(ctx context.Context) (time.Time, error) {
	return durability.Call(ctx, h.dc, durability.WallClockNow, struct{}{}, func(context.Context, struct{}) (time.Time, error) {
		return h.config.Clock.Now().UTC(), nil
	})
}

// Timezone returns the host's local timezone name.
func (h *Host) Timezone(ctx context.Context) (string, error) {
	return durability.Call(ctx, h.dc, durability.WallClockTimezone, struct{}{}, func(context.Context, struct{}) (string, error) {
		name, _ := h.config.Clock.Now().Zone()
		return name, nil
	})
}

// MonotonicNow returns nanoseconds elapsed on a monotonic clock.
func (h *Host) MonotonicNow(ctx context.Context) (uint64, error) {
	return durability.Call(ctx, h.dc, durability.MonotonicClockNow, struct{}{}, func(context.Context, struct{}) (uint64, error) {
		return uint64(h.config.Clock.Since(h.start)), nil
	})
}

// RandomBytes returns n random bytes.
func (h *Host) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	return durability.Call(ctx, h.dc, durability.RandomBytes, n, func(_ context.Context, n int) ([]byte, error) {
		if n < 0 {
			return nil, fmt.Errorf("invalid length %d", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(h.config.Random, buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

// RandomU64 returns a random integer.
func (h *Host) RandomU64(ctx context.Context) (uint64, error) {
	return durability.Call(ctx, h.dc, durability.RandomU64, struct{}{}, func(context.Context, struct{}) (uint64, error) {
		var buf [8]byte
		if _, err := io.ReadFull(h.config.Random, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	})
}

// NewUUID returns a random UUID.
func (h *Host) NewUUID(ctx context.Context) (uuid.UUID, error) {
	return durability.Call(ctx, h.dc, durability.UUIDNew, struct{}{}, func(context.Context, struct{}) (uuid.UUID, error) {
		return uuid.NewRandomFromReader(h.config.Random)
	})
}

// NewIdempotencyKey returns a key for a remote call that must not be repeated.
func (h *Host) NewIdempotencyKey(ctx context.Context) (durable.IdempotencyKey, error) {
	return durability.Call(ctx, h.dc, durability.IdempotencyKeyNew, struct{}{}, func(context.Context, struct{}) (durable.IdempotencyKey, error) {
		id, err := uuid.NewRandomFromReader(h.config.Random)
		if err != nil {
			return "", err
		}
		return durable.IdempotencyKey(id.String()), nil
	})
}

// Environment returns the environment the worker was created with.
func (h *Host) Environment(ctx context.Context) ([]durable.EnvVar, error) {
	return durability.Call(ctx, h.dc, durability.EnvironmentGet, struct{}{}, func(context.Context, struct{}) ([]durable.EnvVar, error) {
		return append([]durable.EnvVar(nil), h.env...), nil
	})
}

// Arguments returns the arguments the worker was created with.
func (h *Host) Arguments(ctx context.Context) ([]string, error) {
	return durability.Call(ctx, h.dc, durability.ArgumentsGet, struct{}{}, func(context.Context, struct{}) ([]string, error) {
		return append([]string(nil), h.args...), nil
	})
}

// Log writes a line to the worker's log.
func (h *Host) Log(ctx context.Context, level oplog.LogLevel, logContext, message string) error {
	return h.dc.Log(ctx, level, logContext, message)
}

// GrowMemory reports that the guest's memory grew by delta bytes.
func (h *Host) GrowMemory(ctx context.Context, delta uint64) error {
	return h.dc.Hint(
		&oplog.GrowMemory{Delta: delta},
		func(e oplog.Entry) bool {
			g, ok := e.(*oplog.GrowMemory)
			return ok && g.Delta == delta
		},
		"grow memory",
	)
}
