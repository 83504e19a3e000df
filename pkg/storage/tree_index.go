// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"context"

	"github.com/google/btree"
)

// treeIndex maps keys to their keyIndex revision histories, ordered by
// key. It is not safe for concurrent use; the store's mutex serializes
// all access.
type treeIndex struct {
	tree *btree.BTree
}

const btreeDegree = 32

func newTreeIndex() *treeIndex {
	return &treeIndex{tree: btree.New(btreeDegree)}
}

// Put records a put of key at rev.
func (ti *treeIndex) Put(ctx context.Context, key []byte, rev revision) {
	keyi := &keyIndex{key: key}

	item := ti.tree.Get(keyi)
	if item == nil {
		keyi.put(ctx, rev.main, rev.sub)
		ti.tree.ReplaceOrInsert(keyi)
		return
	}
	okeyi := item.(*keyIndex)
	okeyi.put(ctx, rev.main, rev.sub)
}

// Tombstone records a deletion of key at rev. It returns
// errVersionNotFound if the key is not currently live.
func (ti *treeIndex) Tombstone(ctx context.Context, key []byte, rev revision) error {
	keyi := &keyIndex{key: key}
	item := ti.tree.Get(keyi)
	if item == nil {
		return errVersionNotFound
	}
	ki := item.(*keyIndex)
	return ki.tombstone(ctx, rev.main, rev.sub)
}

// Get returns the revision, create revision, and version of key as
// observed by a read at atIndex.
func (ti *treeIndex) Get(ctx context.Context, key []byte, atIndex int64) (modified, created revision, ver int64, err error) {
	keyi := &keyIndex{key: key}
	item := ti.tree.Get(keyi)
	if item == nil {
		return revision{}, revision{}, 0, errVersionNotFound
	}
	keyi = item.(*keyIndex)
	return keyi.get(ctx, atIndex)
}

// Range returns the keys live at atIndex in [key, end) in key order,
// with the revision each held then. An empty end restricts the range
// to the single key.
func (ti *treeIndex) Range(ctx context.Context, key, end []byte, atIndex int64) (keys [][]byte, revs []revision) {
	if len(end) == 0 {
		rev, _, _, err := ti.Get(ctx, key, atIndex)
		if err != nil {
			return nil, nil
		}
		return [][]byte{key}, []revision{rev}
	}

	keyi, endi := &keyIndex{key: key}, &keyIndex{key: end}
	ti.tree.AscendGreaterOrEqual(keyi, func(item btree.Item) bool {
		if !item.Less(endi) {
			return false
		}
		curKeyi := item.(*keyIndex)
		rev, _, _, err := curKeyi.get(ctx, atIndex)
		if err != nil {
			return true
		}
		keys = append(keys, curKeyi.key)
		revs = append(revs, rev)
		return true
	})
	return keys, revs
}

// Compact compacts every keyIndex to atIndex, dropping key indexes
// emptied entirely, and returns the set of revisions below atIndex
// that remain readable.
func (ti *treeIndex) Compact(ctx context.Context, atIndex int64) map[revision]struct{} {
	available := make(map[revision]struct{})

	var emptyki []*keyIndex
	ti.tree.Ascend(func(item btree.Item) bool {
		keyi := item.(*keyIndex)
		keyi.compact(ctx, atIndex, available)
		if keyi.isEmpty() {
			emptyki = append(emptyki, keyi)
		}
		return true
	})

	for _, ki := range emptyki {
		ti.tree.Delete(ki)
	}
	return available
}
