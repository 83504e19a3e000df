// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/google/btree"
)

// errVersionNotFound is returned by keyIndex.get when the key has no
// live version at the requested index.
var errVersionNotFound = errors.New("no version found at index")

// keyIndex stores the revision history of a key, oldest first.
//
// The history is partitioned into generations, each spanning one
// lifetime of the key from creation to deletion. A put appends a
// revision to the last generation; a deletion appends a tombstone
// revision to the last generation and opens a new, empty one. The key
// is live iff the last generation is non-empty.
//
// For example, put(1.0), put(2.0), tombstone(3.0), put(4.0),
// tombstone(5.0) yields:
//
//	generation 1: {4.0, 5.0(t)}
//	generation 0: {1.0, 2.0, 3.0(t)}
//
// plus a trailing empty generation.
//
// compact(i) removes revisions that no read at an index >= i can
// observe: within the generation live at i, everything below the
// largest revision at or below i; and every generation that ended at
// or below i wholesale. A keyIndex left with no revisions at all is
// removed from the tree index by the caller.
type keyIndex struct {
	key         []byte
	modified    revision // the main rev of the last modification
	generations []generation
}

// put appends the revision {main, sub} to the key's history.
func (ki *keyIndex) put(ctx context.Context, main, sub int64) {
	rev := revision{main: main, sub: sub}

	if !ki.modified.Less(rev) {
		log.Fatalf(ctx, "index regression on key %q: put %s after %s",
			ki.key, rev, ki.modified)
	}
	if len(ki.generations) == 0 {
		ki.generations = append(ki.generations, generation{})
	}
	g := &ki.generations[len(ki.generations)-1]
	if len(g.revs) == 0 {
		// Create a new key.
		g.created = rev
	}
	g.revs = append(g.revs, rev)
	g.ver++
	ki.modified = rev
}

// tombstone ends the key's current generation with the revision
// {main, sub} and opens a new, empty one. It returns
// errVersionNotFound if the key is not currently live.
func (ki *keyIndex) tombstone(ctx context.Context, main, sub int64) error {
	if ki.isEmpty() {
		log.Fatalf(ctx, "tombstone on empty key index %q", ki.key)
	}
	if ki.generations[len(ki.generations)-1].isEmpty() {
		return errVersionNotFound
	}
	ki.put(ctx, main, sub)
	ki.generations = append(ki.generations, generation{})
	return nil
}

// get returns the revision, create revision, and version of the key
// as observed by a read at atIndex. It returns errVersionNotFound if
// the key was absent (never created, or deleted) at that index.
func (ki *keyIndex) get(ctx context.Context, atIndex int64) (modified, created revision, ver int64, err error) {
	if ki.isEmpty() {
		log.Fatalf(ctx, "get on empty key index %q", ki.key)
	}
	g := ki.findGeneration(atIndex)
	if g.isEmpty() {
		return revision{}, revision{}, 0, errVersionNotFound
	}

	n := g.walk(func(rev revision) bool { return rev.main > atIndex })
	if n != -1 {
		return g.revs[n], g.created, g.ver - int64(len(g.revs)-n-1), nil
	}
	return revision{}, revision{}, 0, errVersionNotFound
}

// isEmpty returns whether the keyIndex holds no revisions at all.
func (ki *keyIndex) isEmpty() bool {
	return len(ki.generations) == 1 && ki.generations[0].isEmpty()
}

// findGeneration returns the generation that was live at atIndex, or
// an empty generation if the key was absent then. A generation is live
// from its first revision up to, but excluding, its tombstone.
func (ki *keyIndex) findGeneration(atIndex int64) *generation {
	lastg := len(ki.generations) - 1
	cg := lastg

	for cg >= 0 {
		if len(ki.generations[cg].revs) == 0 {
			cg--
			continue
		}
		g := &ki.generations[cg]
		if cg != lastg {
			if tomb := g.revs[len(g.revs)-1].main; tomb <= atIndex {
				return &generation{}
			}
		}
		if g.revs[0].main <= atIndex {
			return g
		}
		cg--
	}
	return &generation{}
}

// compact drops all revisions a read at an index >= atIndex cannot
// observe, and records the revisions it keeps below atIndex in
// available so the revision log can retain their records.
func (ki *keyIndex) compact(ctx context.Context, atIndex int64, available map[revision]struct{}) {
	if ki.isEmpty() {
		log.Fatalf(ctx, "compact on empty key index %q", ki.key)
	}

	// Walk back from the newest revision of a generation to the
	// largest one at or below atIndex; that one stays available.
	f := func(rev revision) bool {
		if rev.main <= atIndex {
			available[rev] = struct{}{}
			return false
		}
		return true
	}

	i, g := 0, &ki.generations[0]
	// Find the first generation that was still live at atIndex.
	for i < len(ki.generations)-1 {
		if tomb := g.revs[len(g.revs)-1].main; tomb > atIndex {
			break
		}
		i++
		g = &ki.generations[i]
	}

	if !g.isEmpty() {
		n := g.walk(f)
		// Remove the revisions compacted away.
		if n != -1 {
			g.revs = g.revs[n:]
		}
		// A generation reduced to its tombstone carries no readable
		// version; drop it with the generations before it.
		if len(g.revs) == 1 && i != len(ki.generations)-1 {
			delete(available, g.revs[0])
			i++
		}
	}
	ki.generations = ki.generations[i:]
}

// Less implements the btree.Item interface, ordering key indexes by
// key.
func (ki *keyIndex) Less(than btree.Item) bool {
	return bytes.Compare(ki.key, than.(*keyIndex).key) < 0
}

func (ki *keyIndex) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "key %q modified %s:", ki.key, ki.modified)
	for i, g := range ki.generations {
		fmt.Fprintf(&b, " gen%d%s", i, g)
	}
	return b.String()
}

// generation is one lifetime of a key, from creation to deletion. If
// the generation ended with a deletion, its last revision is the
// tombstone.
type generation struct {
	// ver counts the puts in this generation, the tombstone included.
	ver     int64
	created revision
	revs    []revision
}

func (g *generation) isEmpty() bool {
	return g == nil || len(g.revs) == 0
}

// walk walks through the revisions in the generation in descending
// order. It passes the revision to the given function. walk returns
// until: 1. it finishes walking all revisions 2. the function returns
// false. walk returns the position at which it stopped. If it stopped
// after walking all revisions, it returns -1.
func (g *generation) walk(f func(rev revision) bool) int {
	l := len(g.revs)
	for i := range g.revs {
		ok := f(g.revs[l-i-1])
		if !ok {
			return l - i - 1
		}
	}
	return -1
}

func (g generation) String() string {
	return fmt.Sprintf("{ver=%d created=%s revs=%v}", g.ver, g.created, g.revs)
}
