// Package replay walks a worker's oplog during recovery.
//
// The replay target is the last non-hint entry present when the state was loaded. Until the
// cursor reaches it the worker is in replay mode and host effects are answered from the oplog;
// afterwards it is live. The cursor only moves forward.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/store"
)

// Mode is the execution mode derived from the cursor position.
type Mode int

const (
	ModeReplay Mode = iota
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "replay"
}

// Source provides the raw records to replay.
type Source interface {
	ReadRecords(ctx context.Context, from, to durable.OplogIndex) ([]store.Record, error)
	CurrentIndex() durable.OplogIndex
}

type slot struct {
	index durable.OplogIndex
	entry oplog.Entry
	err   error
}

func (s slot) skippable() bool {
	return s.err == nil && oplog.Skippable(s.entry)
}

// State is the replay cursor of one worker.
type State struct {
	collector *metrics.Collector

	mu           sync.Mutex
	slots        []slot
	lastReplayed durable.OplogIndex
	target       durable.OplogIndex
	diverged     bool
}

// New loads every entry of the source and positions the cursor after the Create entry.
// Records that fail to decode are kept and reported as divergence when the cursor reaches them.
func New(ctx context.Context, source Source, collector *metrics.Collector) (*State, error) {
	tail := source.CurrentIndex()
	records, err := source.ReadRecords(ctx, durable.InitialIndex, tail)
	if err != nil {
		return nil, fmt.Errorf("failed to load oplog for replay: %w", err)
	}

	s := &State{
		collector:    collector,
		slots:        make([]slot, 0, len(records)),
		lastReplayed: durable.InitialIndex,
		target:       durable.InitialIndex,
	}

	for _, r := range records {
		e, err := oplog.Decode(r.Data)
		sl := slot{index: r.Index, entry: e, err: err}
		s.slots = append(s.slots, sl)
		if !sl.skippable() {
			s.target = r.Index
		}
	}

	return s, nil
}

// LastReplayedIndex returns the index of the last consumed entry.
func (s *State) LastReplayedIndex() durable.OplogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplayed
}

// Target returns the index at which replay ends.
func (s *State) Target() durable.OplogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// IsLive reports whether the cursor has reached the replay target.
func (s *State) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplayed >= s.target
}

// PeekMode returns the current execution mode.
func (s *State) PeekMode() Mode {
	if s.IsLive() {
		return ModeLive
	}
	return ModeReplay
}

// Diverged reports whether a divergence was detected.
func (s *State) Diverged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diverged
}

// SwitchToLive moves the cursor to the target, abandoning the rest of the replay.
func (s *State) SwitchToLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReplayed < s.target {
		s.lastReplayed = s.target
	}
}

func (s *State) slotAt(idx durable.OplogIndex) (slot, bool) {
	// Slots are contiguous from InitialIndex.
	i := int(idx) - int(durable.InitialIndex)
	if i < 0 || i >= len(s.slots) {
		return slot{}, false
	}
	return s.slots[i], true
}

// GetNextEntry skips hint entries and returns the next entry to replay, advancing the cursor past it.
// Returns ErrReplayFinished if the cursor already reached the target.
func (s *State) GetNextEntry() (oplog.IndexedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *State) nextLocked() (oplog.IndexedEntry, error) {
	for s.lastReplayed < s.target {
		sl, ok := s.slotAt(s.lastReplayed.Next())
		if !ok {
			break
		}
		s.lastReplayed = sl.index

		if sl.err != nil {
			return oplog.IndexedEntry{}, s.divergeLocked(&durable.DivergenceError{
				Index:    sl.index,
				Expected: "decodable entry",
				Actual:   sl.err.Error(),
			})
		}
		if sl.skippable() {
			continue
		}

		if s.collector != nil {
			s.collector.IncReplayedEntries()
		}
		return oplog.IndexedEntry{Index: sl.index, Entry: sl.entry}, nil
	}
	return oplog.IndexedEntry{}, ErrReplayFinished
}

func (s *State) divergeLocked(err *durable.DivergenceError) error {
	if !s.diverged && s.collector != nil {
		s.collector.IncDivergences()
	}
	s.diverged = true
	return err
}

// Diverge records a divergence detected by a consumer of the replayed entries.
func (s *State) Diverge(err *durable.DivergenceError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.divergeLocked(err)
}

// Expect returns the next replayed entry as a T.
// Any other entry, or reaching the end of the replay, is a divergence.
func Expect[T oplog.Entry](s *State, expected oplog.Kind) (T, durable.OplogIndex, error) {
	var zero T

	next, err := s.GetNextEntry()
	if errors.Is(err, ErrReplayFinished) {
		return zero, durable.NoneIndex, s.Diverge(&durable.DivergenceError{
			Index:    s.LastReplayedIndex().Next(),
			Expected: string(expected),
			Actual:   "end of oplog",
		})
	}
	if err != nil {
		return zero, durable.NoneIndex, err
	}

	entry, ok := next.Entry.(T)
	if !ok {
		return zero, next.Index, s.Diverge(&durable.DivergenceError{
			Index:    next.Index,
			Expected: string(expected),
			Actual:   string(next.Entry.Kind()),
		})
	}
	return entry, next.Index, nil
}

// Lookup returns the first not yet replayed entry matching the predicate, without moving the cursor.
func (s *State) Lookup(match func(oplog.Entry) bool) (oplog.IndexedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := s.lastReplayed.Next(); ; idx = idx.Next() {
		sl, ok := s.slotAt(idx)
		if !ok {
			return oplog.IndexedEntry{}, false
		}
		if sl.err == nil && match(sl.entry) {
			return oplog.IndexedEntry{Index: sl.index, Entry: sl.entry}, true
		}
	}
}

// SkipUntil consumes hint entries until one matches the predicate.
// A non-hint entry stops the skip as a divergence. Reaching the end of the loaded entries is not
// an error: the matching entry was never recorded and execution continues live.
func (s *State) SkipUntil(match func(oplog.Entry) bool, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		sl, ok := s.slotAt(s.lastReplayed.Next())
		if !ok {
			return nil
		}
		if sl.err != nil || !sl.skippable() {
			actual := "corrupt entry"
			if sl.err == nil {
				actual = string(sl.entry.Kind())
			}
			return s.divergeLocked(&durable.DivergenceError{Index: sl.index, Expected: description, Actual: actual})
		}

		s.lastReplayed = sl.index
		if match(sl.entry) {
			return nil
		}
	}
}

// Remaining returns the loaded entries after the cursor, hints included.
func (s *State) Remaining() []oplog.IndexedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []oplog.IndexedEntry
	for idx := s.lastReplayed.Next(); ; idx = idx.Next() {
		sl, ok := s.slotAt(idx)
		if !ok {
			return out
		}
		if sl.err == nil {
			out = append(out, oplog.IndexedEntry{Index: sl.index, Entry: sl.entry})
		}
	}
}
