// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package storage implements the revisioned key-value store: a
// multiversion mapping from keys to histories of versions, each
// stamped with the global index of the mutation that produced it.
//
// All mutations flow through a WriteTxn, which holds the store's
// write lock from BeginTxn to End. This single point of serialization
// is what makes guarded transactions atomic: guard evaluation and the
// application of the chosen operation list happen under one lock
// acquisition, with no other mutation interleaved. Reads run
// concurrently under the read lock and observe either the pre- or
// post-state of any transaction, never a partial one.
package storage

import (
	"bytes"
	"context"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/dustin/go-humanize"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

// compactCostWindow is the number of compaction rounds averaged over
// when reporting per-round cost.
const compactCostWindow = 16

// Store is a revisioned key-value store. Use NewStore to create one.
type Store struct {
	metrics *Metrics

	mu syncutil.RWMutex
	// index is the global index of the last applied mutation. The
	// first mutation is assigned index 1.
	index int64
	// compactedIndex is the compaction floor. History below it is
	// gone; reads and watches below it fail with a CompactedError.
	compactedIndex int64
	// kvindex orders the keyspace and tracks each key's revision
	// history.
	kvindex *treeIndex
	// log holds one record per mutation in revision order.
	log *revLog
	// compactCost tracks the duration of recent compaction rounds.
	// Guarded by mu.
	compactCost *movingaverage.MovingAverage
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		metrics:     NewMetrics(),
		kvindex:     newTreeIndex(),
		log:         newRevLog(),
		compactCost: movingaverage.New(compactCostWindow),
	}
}

// Metrics returns the store's metric struct, for registration.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

// Index returns the current global index.
func (s *Store) Index() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// CompactedIndex returns the current compaction floor.
func (s *Store) CompactedIndex() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compactedIndex
}

// RangeOptions tunes a Range read.
type RangeOptions struct {
	// Limit bounds the number of returned versions; 0 means unlimited.
	Limit int64
	// Index reads the state as of a historical global index; 0 reads
	// the current state.
	Index int64
	// CountOnly counts matching keys without materializing versions.
	CountOnly bool
	// KeysOnly strips values from the returned versions.
	KeysOnly bool
}

// RangeResult is the result of a Range read.
type RangeResult struct {
	// Kvs holds the matching versions in key order, at most Limit.
	Kvs []kvpb.KeyValue
	// More indicates Limit cut the result short.
	More bool
	// Count is the number of matching keys, ignoring Limit.
	Count int64
	// Index is the store's global index at the time of the read.
	Index int64
}

// Range reads the versions live at the requested index (current if
// zero) for keys in [key, end). An empty end reads the single key.
// Reads run under the store's read lock, concurrently with each other.
func (s *Store) Range(ctx context.Context, key, end []byte, opts RangeOptions) (RangeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rangeLocked(ctx, key, end, opts, s.index)
}

// rangeLocked implements Range. atDefault is the index an opts.Index
// of zero resolves to: the committed index for plain reads, the
// pending index for reads inside a write transaction.
func (s *Store) rangeLocked(
	ctx context.Context, key, end []byte, opts RangeOptions, atDefault int64,
) (RangeResult, error) {
	result := RangeResult{Index: s.index}

	atIndex := opts.Index
	if atIndex == 0 {
		atIndex = atDefault
	}
	if atIndex < s.compactedIndex {
		return result, kvpb.NewCompactedError(atIndex, s.compactedIndex)
	}
	if atIndex > atDefault {
		return result, kvpb.NewFutureIndexError(atIndex, s.index)
	}

	keys, revs := s.kvindex.Range(ctx, key, end, atIndex)
	result.Count = int64(len(keys))
	if opts.CountOnly || len(keys) == 0 {
		return result, nil
	}

	n := int64(len(keys))
	if opts.Limit > 0 && opts.Limit < n {
		n = opts.Limit
		result.More = true
	}
	result.Kvs = make([]kvpb.KeyValue, 0, n)
	for i := int64(0); i < n; i++ {
		ev, ok := s.log.get(revs[i])
		if !ok {
			log.Fatalf(ctx, "missing log record for key %q at revision %s", keys[i], revs[i])
		}
		kv := ev.Kv
		if opts.KeysOnly {
			kv.Value = nil
		}
		result.Kvs = append(result.Kvs, kv)
	}
	return result, nil
}

// ScanEvents returns the events with indices in [from, to] whose keys
// fall in [key, end), in revision order. An empty end restricts the
// scan to the single key; a nil key matches all keys. It fails with a
// CompactedError if from is below the compaction floor.
func (s *Store) ScanEvents(ctx context.Context, from, to int64, key, end []byte) ([]kvpb.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from < s.compactedIndex {
		return nil, kvpb.NewCompactedError(from, s.compactedIndex)
	}

	var events []kvpb.Event
	s.log.scan(from, to, func(ev kvpb.Event) bool {
		if keyInRange(ev.Kv.Key, key, end) {
			events = append(events, ev)
		}
		return true
	})
	return events, nil
}

// keyInRange returns whether k falls in [key, end). An empty end
// matches only the exact key; a nil key matches everything.
func keyInRange(k, key, end []byte) bool {
	if key == nil {
		return true
	}
	if len(end) == 0 {
		return bytes.Equal(k, key)
	}
	return bytes.Compare(key, k) <= 0 && bytes.Compare(k, end) < 0
}

// Compact discards all versions with mod index below atIndex, except
// the latest version at or before atIndex of each key, which remains
// to answer reads at indices at or above atIndex. Compaction never
// advances the global index and never removes a live version.
func (s *Store) Compact(ctx context.Context, atIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if atIndex <= s.compactedIndex {
		return kvpb.NewCompactedError(atIndex, s.compactedIndex)
	}
	if atIndex > s.index {
		return kvpb.NewFutureIndexError(atIndex, s.index)
	}

	start := timeutil.Now()
	s.compactedIndex = atIndex
	available := s.kvindex.Compact(ctx, atIndex)
	pruned := s.log.compact(atIndex, available)
	elapsed := timeutil.Since(start)

	s.compactCost.Add(float64(elapsed.Nanoseconds()))
	avgCost := time.Duration(s.compactCost.Avg())

	s.metrics.Compactions.Inc(1)
	s.metrics.CompactedRecords.Inc(int64(pruned))
	s.metrics.CompactedIndex.Update(atIndex)
	s.metrics.HistoryRecords.Update(int64(s.log.len()))
	log.Infof(ctx, "compacted history below index %d; %s records pruned in %s (avg %s per round)",
		atIndex, humanize.Comma(int64(pruned)), elapsed, avgCost)
	return nil
}

// WriteTxn is an in-progress atomic batch of mutations. BeginTxn
// acquires the store's write lock, which End releases; at most one
// WriteTxn exists at any instant. All mutations of the batch share a
// single global index, consumed only if the batch mutates anything.
type WriteTxn struct {
	s *Store
	// index is the global index this transaction consumes if it
	// mutates anything.
	index int64
	// sub counts the mutations applied so far.
	sub    int64
	events []kvpb.Event
}

// BeginTxn starts a write transaction, blocking until the store's
// write lock is available.
func (s *Store) BeginTxn() *WriteTxn {
	s.mu.Lock()
	return &WriteTxn{s: s, index: s.index + 1}
}

// Index returns the global index the transaction's mutations carry.
func (tx *WriteTxn) Index() int64 {
	return tx.index
}

// Get returns the live version of key as seen by this transaction,
// including the effects of its earlier mutations.
func (tx *WriteTxn) Get(ctx context.Context, key []byte) (kvpb.KeyValue, bool) {
	s := tx.s
	s.mu.AssertHeld()

	modified, _, _, err := s.kvindex.Get(ctx, key, tx.index)
	if err != nil {
		return kvpb.KeyValue{}, false
	}
	ev, ok := s.log.get(modified)
	if !ok {
		log.Fatalf(ctx, "missing log record for key %q at revision %s", key, modified)
	}
	return ev.Kv, true
}

// Range reads under the transaction, observing its earlier mutations.
func (tx *WriteTxn) Range(ctx context.Context, key, end []byte, opts RangeOptions) (RangeResult, error) {
	tx.s.mu.AssertHeld()
	return tx.s.rangeLocked(ctx, key, end, opts, tx.index)
}

// Put creates or updates key and returns the resulting event.
func (tx *WriteTxn) Put(ctx context.Context, key, value []byte) kvpb.Event {
	s := tx.s
	s.mu.AssertHeld()

	rev := revision{main: tx.index, sub: tx.sub}
	version := int64(1)
	createIndex := tx.index
	if _, created, ver, err := s.kvindex.Get(ctx, key, tx.index); err == nil {
		version = ver + 1
		createIndex = created.main
	}

	kv := kvpb.KeyValue{
		Key:         key,
		CreateIndex: createIndex,
		ModIndex:    tx.index,
		Version:     version,
		Value:       value,
	}
	if version == 1 {
		s.metrics.LiveKeys.Inc(1)
	}
	s.kvindex.Put(ctx, key, rev)

	ev := kvpb.Event{Type: kvpb.EventPut, Kv: kv, Index: tx.index}
	s.log.append(&logRecord{rev: rev, event: ev})
	tx.events = append(tx.events, ev)
	tx.sub++
	s.metrics.Puts.Inc(1)
	return ev
}

// DeleteRange removes the live versions of keys in [key, end),
// producing one event of the given type (EventDelete or EventExpire)
// per removed key, each carrying the version live immediately before
// removal. Deleting absent keys is a no-op that consumes nothing.
// It returns the number of keys removed.
func (tx *WriteTxn) DeleteRange(ctx context.Context, key, end []byte, typ kvpb.EventType) int64 {
	s := tx.s
	s.mu.AssertHeld()
	if typ != kvpb.EventDelete && typ != kvpb.EventExpire {
		log.Fatalf(ctx, "delete with event type %s", typ)
	}

	keys, revs := s.kvindex.Range(ctx, key, end, tx.index)
	for i, k := range keys {
		prev, ok := s.log.get(revs[i])
		if !ok {
			log.Fatalf(ctx, "missing log record for key %q at revision %s", k, revs[i])
		}
		rev := revision{main: tx.index, sub: tx.sub}
		if err := s.kvindex.Tombstone(ctx, k, rev); err != nil {
			log.Fatalf(ctx, "tombstone of live key %q: %v", k, err)
		}

		ev := kvpb.Event{Type: typ, Kv: prev.Kv, Index: tx.index}
		s.log.append(&logRecord{rev: rev, event: ev})
		tx.events = append(tx.events, ev)
		tx.sub++
	}
	if n := int64(len(keys)); n > 0 {
		s.metrics.LiveKeys.Dec(n)
		s.metrics.Deletes.Inc(n)
		return n
	}
	return 0
}

// End commits the transaction and releases the store's write lock. The
// global index advances iff the transaction mutated anything; a
// transaction of pure reads, or one whose deletes matched no keys,
// consumes no index. End returns the events produced, all carrying the
// same index, and the store's resulting global index.
func (tx *WriteTxn) End(ctx context.Context) ([]kvpb.Event, int64) {
	s := tx.s
	s.mu.AssertHeld()

	if tx.sub > 0 {
		if tx.index != s.index+1 {
			log.Fatalf(ctx, "index regression: committing %d over %d", tx.index, s.index)
		}
		s.index = tx.index
		s.metrics.HistoryRecords.Update(int64(s.log.len()))
		s.metrics.MutationRate.Add(float64(tx.sub))
	}
	index := s.index
	s.mu.Unlock()
	return tx.events, index
}
