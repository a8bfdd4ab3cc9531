// Package synchelper serializes a worker's oplog commits and replay skips on one background goroutine.
//
// The execution goroutine adds entries to the oplog synchronously, so indexes are known
// immediately, and hands the slow commit to the helper. Sync blocks until every submitted
// operation is processed and then holds the helper's batch lock, so no commit can run
// while the returned Permit is held.
package synchelper

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/replay"
	"github.com/getpup/pupsourcing/es"
	"go.uber.org/atomic"
)

// Config configures a Helper.
type Config struct {
	// Clock measures sync wait time. Defaults to the wall clock.
	Clock clock.Clock

	// Logger is an optional logger.
	Logger es.Logger

	// Collector records queue depth and sync wait metrics. Nil disables metrics.
	Collector *metrics.Collector
}

// Helper is the background writer of one worker.
type Helper struct {
	oplog     *oplog.Oplog
	replay    *replay.State
	clock     clock.Clock
	logger    es.Logger
	collector *metrics.Collector

	queue  *queue
	depth  *atomic.Int64
	closed *atomic.Bool

	// batchMu is held while a batch is processed and while a Permit is outstanding.
	batchMu sync.Mutex

	drainMu sync.Mutex
	drained chan struct{}

	errMu sync.Mutex
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the helper's background goroutine.
func New(o *oplog.Oplog, r *replay.State, config Config) *Helper {
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Helper{
		oplog:     o,
		replay:    r,
		clock:     config.Clock,
		logger:    config.Logger,
		collector: config.Collector,
		queue:     newQueue(),
		depth:     atomic.NewInt64(0),
		closed:    atomic.NewBool(false),
		drained:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go h.run()
	return h
}

// Oplog returns the oplog the helper commits.
func (h *Helper) Oplog() *oplog.Oplog {
	return h.oplog
}

// Replay returns the replay state the helper skips through.
func (h *Helper) Replay() *replay.State {
	return h.replay
}

// Depth returns the number of submitted operations not yet processed.
func (h *Helper) Depth() int64 {
	return h.depth.Load()
}

// Err returns the first fatal error hit by the background goroutine.
func (h *Helper) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Helper) fail(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *Helper) submit(o op) error {
	h.drainMu.Lock()
	h.depth.Inc()
	h.drainMu.Unlock()

	if !h.queue.enqueue(o) {
		h.release(1)
		return ErrClosed
	}

	if h.collector != nil {
		h.collector.AddSyncQueueDepth(1)
	}
	return nil
}

func (h *Helper) release(n int) {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	if h.depth.Sub(int64(n)) == 0 {
		close(h.drained)
		h.drained = make(chan struct{})
	}
}

// WriteOplogEntry adds the entry to the oplog and schedules a commit. It does not wait for the commit.
func (h *Helper) WriteOplogEntry(e oplog.Entry) (durable.OplogIndex, error) {
	if h.closed.Load() {
		return durable.NoneIndex, ErrClosed
	}
	if err := h.Err(); err != nil {
		return durable.NoneIndex, err
	}

	idx, err := h.oplog.Add(e)
	if err != nil {
		return durable.NoneIndex, err
	}
	if err := h.submit(op{kind: opCommit}); err != nil {
		return durable.NoneIndex, err
	}
	return idx, nil
}

// SkipOplogEntry schedules a replay skip up to the first hint entry matching the predicate.
// A non-hint entry in the way is a divergence, reported by the next Sync.
func (h *Helper) SkipOplogEntry(match func(oplog.Entry) bool, description string) error {
	return h.submit(op{kind: opSkip, match: match, description: description})
}

func (h *Helper) run() {
	defer close(h.done)

	for {
		batch, ok := h.queue.takeAll()
		if !ok {
			return
		}
		if len(batch) == 0 {
			<-h.queue.signal
			continue
		}

		h.batchMu.Lock()
		for _, o := range batch {
			h.process(o)
		}
		if h.collector != nil {
			h.collector.AddSyncQueueDepth(-len(batch))
		}
		h.release(len(batch))
		h.batchMu.Unlock()
	}
}

func (h *Helper) process(o op) {
	if h.Err() != nil {
		return
	}

	switch o.kind {
	case opCommit:
		if err := h.oplog.Commit(h.ctx); err != nil {
			if h.logger != nil {
				h.logger.Error(h.ctx, "oplog commit failed", "worker_id", h.oplog.Worker().String(), "error", err)
			}
			h.fail(err)
		}
	case opSkip:
		if err := h.replay.SkipUntil(o.match, o.description); err != nil {
			if h.logger != nil {
				h.logger.Error(h.ctx, "replay skip diverged", "worker_id", h.oplog.Worker().String(), "error", err)
			}
			h.fail(err)
		}
	}
}

func (h *Helper) waitDrained(ctx context.Context) error {
	for {
		h.drainMu.Lock()
		if h.depth.Load() == 0 {
			h.drainMu.Unlock()
			return nil
		}
		ch := h.drained
		h.drainMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return ErrClosed
		}
	}
}

// Permit is held while nothing may be committed. Release it as soon as the result is handed out.
type Permit struct {
	once sync.Once
	h    *Helper
}

// Release lets the background goroutine continue. It is safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(p.h.batchMu.Unlock)
}

// Sync waits until every submitted operation is processed and returns a permit that blocks
// further commits until released. Returns the first fatal error instead if one occurred.
func (h *Helper) Sync(ctx context.Context) (*Permit, error) {
	start := h.clock.Now()

	for {
		if err := h.waitDrained(ctx); err != nil {
			return nil, err
		}

		h.batchMu.Lock()
		if h.depth.Load() == 0 {
			break
		}
		h.batchMu.Unlock()
	}

	if h.collector != nil {
		h.collector.ObserveSyncWait(h.clock.Since(start))
	}

	if err := h.Err(); err != nil {
		h.batchMu.Unlock()
		return nil, err
	}
	return &Permit{h: h}, nil
}

// Flush waits until every submitted operation is processed.
func (h *Helper) Flush(ctx context.Context) error {
	permit, err := h.Sync(ctx)
	if err != nil {
		return err
	}
	permit.Release()
	return nil
}

// Close stops accepting operations, processes the ones already submitted and stops the goroutine.
func (h *Helper) Close(ctx context.Context) error {
	h.closed.Store(true)
	h.queue.close()

	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return fmt.Errorf("failed to drain sync helper: %w", ctx.Err())
	}
	h.cancel()

	return h.Err()
}
