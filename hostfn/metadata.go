package hostfn

import (
	"context"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/durability"
)

// SelfMetadata returns the metadata of the calling worker as the executor last saw it.
func (h *Host) SelfMetadata(ctx context.Context) (durable.WorkerMetadata, error) {
	return durability.Call(ctx, h.dc, durability.WorkerMetadataSelf, struct{}{}, func(ctx context.Context, _ struct{}) (durable.WorkerMetadata, error) {
		if h.config.Metadata == nil {
			return durable.WorkerMetadata{}, ErrNotConfigured
		}
		return h.config.Metadata.GetMetadata(ctx, h.worker)
	})
}

// WorkerMetadata returns the metadata of another worker in the same account.
func (h *Host) WorkerMetadata(ctx context.Context, target durable.WorkerID) (durable.WorkerMetadata, error) {
	return durability.Call(ctx, h.dc, durability.RemoteGet, target, func(ctx context.Context, target durable.WorkerID) (durable.WorkerMetadata, error) {
		if h.config.Metadata == nil {
			return durable.WorkerMetadata{}, ErrNotConfigured
		}
		return h.config.Metadata.GetMetadata(ctx, durable.OwnedWorkerID{AccountID: h.worker.AccountID, WorkerID: target})
	})
}
