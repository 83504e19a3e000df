// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/google/btree"
)

// logRecord is one mutation in the revision log: the event it
// produced, keyed by its full revision.
//
// A put record carries the version it created. A tombstone record
// carries the version that was live immediately before the deletion,
// so delete and expire events survive the compaction of the revisions
// they refer to.
type logRecord struct {
	rev   revision
	event kvpb.Event
}

// Less implements the btree.Item interface, ordering records by
// revision.
func (r *logRecord) Less(than btree.Item) bool {
	return r.rev.Less(than.(*logRecord).rev)
}

// revLog is the revision-ordered history of the store: one record per
// mutation, ordered by (main, sub). It serves historical point
// lookups for range reads and ordered scans for watch catch-up. Like
// treeIndex, it is serialized by the store's mutex.
type revLog struct {
	tree *btree.BTree
}

func newRevLog() *revLog {
	return &revLog{tree: btree.New(btreeDegree)}
}

// append adds a record. Records must be appended in revision order.
func (l *revLog) append(rec *logRecord) {
	l.tree.ReplaceOrInsert(rec)
}

// get returns the event recorded at exactly rev, or false.
func (l *revLog) get(rev revision) (kvpb.Event, bool) {
	item := l.tree.Get(&logRecord{rev: rev})
	if item == nil {
		return kvpb.Event{}, false
	}
	return item.(*logRecord).event, true
}

// scan calls fn for every record with main index in [from, to],
// ascending in revision order, until fn returns false.
func (l *revLog) scan(from, to int64, fn func(ev kvpb.Event) bool) {
	pivot := &logRecord{rev: revision{main: from}}
	l.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		rec := item.(*logRecord)
		if rec.rev.main > to {
			return false
		}
		return fn(rec.event)
	})
}

// compact removes every record with main index below atIndex whose
// revision is not in keep, returning the number of records removed.
func (l *revLog) compact(atIndex int64, keep map[revision]struct{}) int {
	var torm []*logRecord
	end := &logRecord{rev: revision{main: atIndex}}
	l.tree.AscendLessThan(end, func(item btree.Item) bool {
		rec := item.(*logRecord)
		if _, ok := keep[rec.rev]; !ok {
			torm = append(torm, rec)
		}
		return true
	})
	for _, rec := range torm {
		l.tree.Delete(rec)
	}
	return len(torm)
}

// len returns the number of records in the log.
func (l *revLog) len() int {
	return l.tree.Len()
}
