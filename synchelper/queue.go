package synchelper

import (
	"sync"

	"github.com/getpup/pupsourcing-durable/oplog"
)

type opKind int

const (
	opCommit opKind = iota + 1
	opSkip
)

type op struct {
	kind        opKind
	match       func(oplog.Entry) bool
	description string
}

// queue is an unbounded FIFO with a coalescing signal channel so the consumer can wait
// without holding the lock.
type queue struct {
	mu     sync.Mutex
	ops    []op
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{
		ops:    make([]op, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (q *queue) enqueue(o op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ops = append(q.ops, o)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// takeAll removes every queued op. ok is false once the queue is closed and empty.
func (q *queue) takeAll() (batch []op, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, !q.closed
	}
	batch = q.ops
	q.ops = make([]op, 0, 16)
	return batch, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
