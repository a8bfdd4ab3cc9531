package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/store"
)

type pendingRecord struct {
	index durable.OplogIndex
	entry Entry
	data  []byte
}

// Oplog is the handle of one worker's oplog.
//
// Add reserves the next index and buffers the entry in memory; Commit writes all buffered
// entries to the store in one append. Reads see buffered entries, so the owner of the handle
// always observes its own writes.
type Oplog struct {
	worker    durable.OwnedWorkerID
	store     store.OplogStore
	clock     clock.Clock
	collector *metrics.Collector

	mu        sync.Mutex
	committed durable.OplogIndex
	pending   []pendingRecord

	// commitMu serializes commits so records reach the store in index order.
	commitMu sync.Mutex
}

func newOplog(worker durable.OwnedWorkerID, s store.OplogStore, c clock.Clock, collector *metrics.Collector, committed durable.OplogIndex) *Oplog {
	return &Oplog{
		worker:    worker,
		store:     s,
		clock:     c,
		collector: collector,
		committed: committed,
	}
}

// Worker returns the owner of the oplog.
func (o *Oplog) Worker() durable.OwnedWorkerID {
	return o.worker
}

// Add stamps the entry, assigns it the next index and buffers it until the next Commit.
func (o *Oplog) Add(e Entry) (durable.OplogIndex, error) {
	e.stamp(o.clock.Now())
	data, err := Encode(e)
	if err != nil {
		return durable.NoneIndex, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.committed + durable.OplogIndex(len(o.pending)) + 1
	o.pending = append(o.pending, pendingRecord{index: idx, entry: e, data: data})
	return idx, nil
}

// Commit persists every buffered entry.
func (o *Oplog) Commit(ctx context.Context) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return nil
	}
	first := o.pending[0].index
	records := make([][]byte, len(o.pending))
	for i, p := range o.pending {
		records[i] = p.data
	}
	o.mu.Unlock()

	start := o.clock.Now()
	if err := o.store.Append(ctx, o.worker, first, records); err != nil {
		return fmt.Errorf("failed to commit oplog of %s at %d: %w", o.worker, first, err)
	}

	if o.collector != nil {
		o.collector.AddOplogEntriesAppended(len(records))
		o.collector.ObserveOplogCommit(o.clock.Since(start))
	}

	o.mu.Lock()
	o.pending = o.pending[len(records):]
	o.committed += durable.OplogIndex(len(records))
	o.mu.Unlock()

	return nil
}

// CurrentIndex returns the index of the last added entry, committed or not.
func (o *Oplog) CurrentIndex() durable.OplogIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed + durable.OplogIndex(len(o.pending))
}

// CommittedIndex returns the index of the last entry known to be in the store.
func (o *Oplog) CommittedIndex() durable.OplogIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// ReadRecords returns the raw records with from <= index <= to, including buffered ones.
func (o *Oplog) ReadRecords(ctx context.Context, from, to durable.OplogIndex) ([]store.Record, error) {
	if from < durable.InitialIndex {
		from = durable.InitialIndex
	}

	o.mu.Lock()
	committed := o.committed
	pending := append([]pendingRecord(nil), o.pending...)
	o.mu.Unlock()

	var records []store.Record
	if from <= committed {
		upper := to
		if upper > committed {
			upper = committed
		}
		stored, err := o.store.ReadRange(ctx, o.worker, from, upper)
		if err != nil {
			return nil, fmt.Errorf("failed to read oplog of %s: %w", o.worker, err)
		}
		records = append(records, stored...)
	}

	for _, p := range pending {
		if p.index >= from && p.index <= to {
			records = append(records, store.Record{Index: p.index, Data: p.data})
		}
	}
	return records, nil
}

// Read returns the decoded entries with from <= index <= to.
func (o *Oplog) Read(ctx context.Context, from, to durable.OplogIndex) ([]IndexedEntry, error) {
	records, err := o.ReadRecords(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return decodeRecords(records)
}

func decodeRecords(records []store.Record) ([]IndexedEntry, error) {
	entries := make([]IndexedEntry, 0, len(records))
	for _, r := range records {
		e, err := Decode(r.Data)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", r.Index, err)
		}
		entries = append(entries, IndexedEntry{Index: r.Index, Entry: e})
	}
	return entries, nil
}
