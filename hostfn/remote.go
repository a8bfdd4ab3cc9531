package hostfn

import (
	"context"
	"errors"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
)

// ErrNotConfigured indicates a host function whose collaborator was not provided.
var ErrNotConfigured = errors.New("host function not configured")

type kvRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
}

type kvValue struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// Get reads a key. found is false if the key does not exist.
func (h *Host) Get(ctx context.Context, bucket, key string) (value []byte, found bool, err error) {
	v, err := durability.Call(ctx, h.dc, durability.KeyValueGet, kvRequest{Bucket: bucket, Key: key}, func(ctx context.Context, req kvRequest) (kvValue, error) {
		if h.config.KeyValue == nil {
			return kvValue{}, ErrNotConfigured
		}
		value, found, err := h.config.KeyValue.Get(ctx, req.Bucket, req.Key)
		return kvValue{Value: value, Found: found}, err
	})
	return v.Value, v.Found, err
}

// Exists reports whether a key exists.
func (h *Host) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return durability.Call(ctx, h.dc, durability.KeyValueExists, kvRequest{Bucket: bucket, Key: key}, func(ctx context.Context, req kvRequest) (bool, error) {
		if h.config.KeyValue == nil {
			return false, ErrNotConfigured
		}
		return h.config.KeyValue.Exists(ctx, req.Bucket, req.Key)
	})
}

// Set writes a key.
func (h *Host) Set(ctx context.Context, bucket, key string, value []byte) error {
	_, err := durability.Call(ctx, h.dc, durability.KeyValueSet, kvRequest{Bucket: bucket, Key: key, Value: value}, func(ctx context.Context, req kvRequest) (struct{}, error) {
		if h.config.KeyValue == nil {
			return struct{}{}, ErrNotConfigured
		}
		return struct{}{}, h.config.KeyValue.Set(ctx, req.Bucket, req.Key, req.Value)
	})
	return err
}

// Delete removes a key.
func (h *Host) Delete(ctx context.Context, bucket, key string) error {
	_, err := durability.Call(ctx, h.dc, durability.KeyValueDelete, kvRequest{Bucket: bucket, Key: key}, func(ctx context.Context, req kvRequest) (struct{}, error) {
		if h.config.KeyValue == nil {
			return struct{}{}, ErrNotConfigured
		}
		return struct{}{}, h.config.KeyValue.Delete(ctx, req.Bucket, req.Key)
	})
	return err
}

type invokeRequest struct {
	Target         durable.WorkerID       `json:"target"`
	Function       string                 `json:"function"`
	Params         []byte                 `json:"params,omitempty"`
	IdempotencyKey durable.IdempotencyKey `json:"idempotency_key"`
}

// Invoke calls a function of another worker and waits for the result.
// The idempotency key is drawn durably, so a repeated call after recovery is deduplicated by the target.
func (h *Host) Invoke(ctx context.Context, target durable.WorkerID, function string, params []byte) ([]byte, error) {
	key, err := h.NewIdempotencyKey(ctx)
	if err != nil {
		return nil, err
	}

	req := invokeRequest{Target: target, Function: function, Params: params, IdempotencyKey: key}
	return durability.Call(ctx, h.dc, durability.RemoteInvoke, req, func(ctx context.Context, req invokeRequest) ([]byte, error) {
		if h.config.Invoker == nil {
			return nil, ErrNotConfigured
		}
		return h.config.Invoker.Invoke(ctx, h.worker, req.Target, req.IdempotencyKey, req.Function, req.Params)
	})
}

// CreatePromise creates a promise owned by the worker.
func (h *Host) CreatePromise(ctx context.Context) (promise.ID, error) {
	return durability.Call(ctx, h.dc, durability.PromiseCreate, struct{}{}, func(ctx context.Context, _ struct{}) (promise.ID, error) {
		if h.config.Promises == nil {
			return "", ErrNotConfigured
		}
		return h.config.Promises.Create(ctx, h.worker)
	})
}

type completeRequest struct {
	ID   promise.ID `json:"id"`
	Data []byte     `json:"data,omitempty"`
}

// CompletePromise resolves a promise. It returns false if the promise was already completed.
func (h *Host) CompletePromise(ctx context.Context, id promise.ID, data []byte) (bool, error) {
	return durability.Call(ctx, h.dc, durability.PromiseComplete, completeRequest{ID: id, Data: data}, func(ctx context.Context, req completeRequest) (bool, error) {
		if h.config.Promises == nil {
			return false, ErrNotConfigured
		}
		return h.config.Promises.Complete(ctx, req.ID, req.Data)
	})
}

// AwaitPromise returns the promise's data. While the promise is pending the worker suspends:
// the returned SuspendError must be passed back to the host, which resumes the worker once
// the promise completes. Only the completed result is recorded.
func (h *Host) AwaitPromise(ctx context.Context, id promise.ID) ([]byte, error) {
	return durability.Call(ctx, h.dc, durability.PromisePoll, id, func(ctx context.Context, id promise.ID) ([]byte, error) {
		if h.config.Promises == nil {
			return nil, ErrNotConfigured
		}
		data, completed, err := h.config.Promises.Poll(ctx, id)
		if err != nil {
			return nil, err
		}
		if !completed {
			return nil, &SuspendError{Reason: oplog.SuspendReasonPromise, PromiseID: id}
		}
		return data, nil
	})
}

// Sleep blocks for d. The deadline is recorded at every persistence level, so a replayed sleep that already elapsed returns at
// once. Sleeps longer than the suspend threshold suspend the worker instead of blocking.
func (h *Host) Sleep(ctx context.Context, d time.Duration) error {
	deadline, err := durability.Call(ctx, h.dc, durability.SleepDeadline, d, func(_ context.Context, d time.Duration) (time.Time, error) {
		return h.config.Clock.Now().Add(d).UTC(), nil
	})
	if err != nil {
		return err
	}

	remaining := deadline.Sub(h.config.Clock.Now())
	if remaining <= 0 {
		return nil
	}
	if remaining > h.config.SuspendThreshold {
		return &SuspendError{Reason: oplog.SuspendReasonSleep, Until: &deadline}
	}

	timer := h.config.Clock.Timer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return interruption(ctx)
	}
}

func interruption(ctx context.Context) error {
	var interrupted *durable.InterruptedError
	if errors.As(context.Cause(ctx), &interrupted) {
		return interrupted
	}
	return &durable.InterruptedError{Kind: durable.InterruptKindInterrupt}
}
