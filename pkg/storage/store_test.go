// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s *Store, key, value string) kvpb.Event {
	t.Helper()
	ctx := context.Background()
	tx := s.BeginTxn()
	ev := tx.Put(ctx, []byte(key), []byte(value))
	tx.End(ctx)
	return ev
}

func del(t *testing.T, s *Store, key, end string) ([]kvpb.Event, int64) {
	t.Helper()
	ctx := context.Background()
	tx := s.BeginTxn()
	n := tx.DeleteRange(ctx, []byte(key), []byte(end), kvpb.EventDelete)
	events, _ := tx.End(ctx)
	return events, n
}

func TestStoreBasic(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	ev := put(t, s, "k", "v1")
	require.Equal(t, int64(1), ev.Index)
	require.Equal(t, int64(1), ev.Kv.CreateIndex)
	require.Equal(t, int64(1), ev.Kv.ModIndex)
	require.Equal(t, int64(1), ev.Kv.Version)

	ev = put(t, s, "k", "v2")
	require.Equal(t, int64(2), ev.Index)
	require.Equal(t, int64(1), ev.Kv.CreateIndex)
	require.Equal(t, int64(2), ev.Kv.ModIndex)
	require.Equal(t, int64(2), ev.Kv.Version)

	res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 1)
	require.Equal(t, []byte("v2"), res.Kvs[0].Value)
	require.Equal(t, int64(2), res.Kvs[0].Version)
	require.Equal(t, int64(2), res.Index)
	require.Equal(t, int64(2), s.Index())
}

func TestStoreDeleteResetsVersion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1")
	put(t, s, "k", "v2")

	events, n := del(t, s, "k", "")
	require.Equal(t, int64(1), n)
	require.Len(t, events, 1)
	require.Equal(t, kvpb.EventDelete, events[0].Type)
	// The delete event carries the version live immediately before
	// removal.
	require.Equal(t, []byte("v2"), events[0].Kv.Value)
	require.Equal(t, int64(2), events[0].Kv.Version)
	require.Equal(t, int64(3), events[0].Index)

	res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Kvs)

	// Re-creation starts a fresh generation.
	ev := put(t, s, "k", "v3")
	require.Equal(t, int64(4), ev.Index)
	require.Equal(t, int64(4), ev.Kv.CreateIndex)
	require.Equal(t, int64(1), ev.Kv.Version)
}

func TestStoreDeleteAbsentConsumesNoIndex(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s := NewStore()

	put(t, s, "a", "v")
	require.Equal(t, int64(1), s.Index())

	events, n := del(t, s, "x", "z")
	require.Zero(t, n)
	require.Empty(t, events)
	require.Equal(t, int64(1), s.Index())

	// The next mutation gets the next index with no gap.
	ev := put(t, s, "b", "v")
	require.Equal(t, int64(2), ev.Index)
}

func TestStoreRange(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, s, k, "v-"+k)
	}

	// Full range.
	res, err := s.Range(ctx, []byte("a"), []byte("e"), RangeOptions{})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 4)
	require.Equal(t, int64(4), res.Count)
	require.False(t, res.More)
	for i, k := range []string{"a", "b", "c", "d"} {
		require.Equal(t, []byte(k), res.Kvs[i].Key)
	}

	// Limit.
	res, err = s.Range(ctx, []byte("a"), []byte("e"), RangeOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 2)
	require.Equal(t, int64(4), res.Count)
	require.True(t, res.More)

	// Sub-range.
	res, err = s.Range(ctx, []byte("b"), []byte("d"), RangeOptions{})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 2)
	require.Equal(t, []byte("b"), res.Kvs[0].Key)
	require.Equal(t, []byte("c"), res.Kvs[1].Key)

	// CountOnly.
	res, err = s.Range(ctx, []byte("a"), []byte("e"), RangeOptions{CountOnly: true})
	require.NoError(t, err)
	require.Empty(t, res.Kvs)
	require.Equal(t, int64(4), res.Count)

	// KeysOnly.
	res, err = s.Range(ctx, []byte("a"), []byte("e"), RangeOptions{KeysOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 4)
	for _, kv := range res.Kvs {
		require.Nil(t, kv.Value)
		require.NotZero(t, kv.Version)
	}

	// Absent point read.
	res, err = s.Range(ctx, []byte("zzz"), nil, RangeOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Kvs)
	require.Zero(t, res.Count)
}

func TestStoreHistoricalRange(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1") // index 1
	put(t, s, "k", "v2") // index 2
	del(t, s, "k", "")   // index 3
	put(t, s, "k", "v3") // index 4

	for _, tc := range []struct {
		at    int64
		value string
		found bool
	}{
		{at: 1, value: "v1", found: true},
		{at: 2, value: "v2", found: true},
		{at: 3, found: false}, // deleted at 3
		{at: 4, value: "v3", found: true},
	} {
		res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{Index: tc.at})
		require.NoError(t, err, "at=%d", tc.at)
		if !tc.found {
			require.Empty(t, res.Kvs, "at=%d", tc.at)
			continue
		}
		require.Len(t, res.Kvs, 1, "at=%d", tc.at)
		require.Equal(t, []byte(tc.value), res.Kvs[0].Value, "at=%d", tc.at)
	}

	// Reads ahead of the current index are rejected.
	_, err := s.Range(ctx, []byte("k"), nil, RangeOptions{Index: 99})
	require.Error(t, err)
	require.True(t, kvpb.IsFutureIndex(err))
}

func TestStoreCompact(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1") // index 1
	put(t, s, "k", "v2") // index 2
	put(t, s, "k", "v3") // index 3
	put(t, s, "x", "y")  // index 4

	require.NoError(t, s.Compact(ctx, 3))
	require.Equal(t, int64(3), s.CompactedIndex())

	// Reads below the floor fail.
	_, err := s.Range(ctx, []byte("k"), nil, RangeOptions{Index: 2})
	require.True(t, kvpb.IsCompacted(err))

	// Reads at or above the floor still see the retained version.
	for _, at := range []int64{3, 4} {
		res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{Index: at})
		require.NoError(t, err, "at=%d", at)
		require.Len(t, res.Kvs, 1)
		require.Equal(t, []byte("v3"), res.Kvs[0].Value)
		require.Equal(t, int64(3), res.Kvs[0].Version)
	}

	// The live version survives compaction regardless of age.
	require.NoError(t, s.Compact(ctx, 4))
	res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 1)
	require.Equal(t, []byte("v3"), res.Kvs[0].Value)

	// Compaction never moves the global index.
	require.Equal(t, int64(4), s.Index())

	// Recompacting at or below the floor fails.
	err = s.Compact(ctx, 4)
	require.True(t, kvpb.IsCompacted(err))
	err = s.Compact(ctx, 1)
	require.True(t, kvpb.IsCompacted(err))

	// Compacting ahead of the current index fails.
	err = s.Compact(ctx, 99)
	require.True(t, kvpb.IsFutureIndex(err))
}

func TestStoreCompactRetainsDeleteHistory(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1") // index 1
	del(t, s, "k", "")   // index 2
	put(t, s, "x", "y")  // index 3

	// Compacting at the tombstone keeps the key absent for reads at
	// the floor without retaining the deleted version.
	require.NoError(t, s.Compact(ctx, 2))
	res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{Index: 2})
	require.NoError(t, err)
	require.Empty(t, res.Kvs)

	// The tombstoned generation is gone entirely; a fresh put starts
	// over.
	ev := put(t, s, "k", "v2")
	require.Equal(t, int64(4), ev.Index)
	require.Equal(t, int64(1), ev.Kv.Version)
}

func TestStoreScanEvents(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "a", "1") // index 1
	put(t, s, "b", "2") // index 2
	del(t, s, "a", "")  // index 3
	put(t, s, "c", "3") // index 4

	events, err := s.ScanEvents(ctx, 1, 4, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, want := range []struct {
		typ   kvpb.EventType
		key   string
		index int64
	}{
		{kvpb.EventPut, "a", 1},
		{kvpb.EventPut, "b", 2},
		{kvpb.EventDelete, "a", 3},
		{kvpb.EventPut, "c", 4},
	} {
		require.Equal(t, want.typ, events[i].Type, "event %d", i)
		require.Equal(t, []byte(want.key), events[i].Kv.Key, "event %d", i)
		require.Equal(t, want.index, events[i].Index, "event %d", i)
	}

	// Range filtering.
	events, err = s.ScanEvents(ctx, 1, 4, []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, kvpb.EventPut, events[0].Type)
	require.Equal(t, kvpb.EventDelete, events[1].Type)

	// Window filtering.
	events, err = s.ScanEvents(ctx, 2, 3, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].Index)
	require.Equal(t, int64(3), events[1].Index)

	// Scans below the compaction floor fail.
	require.NoError(t, s.Compact(ctx, 3))
	_, err = s.ScanEvents(ctx, 2, 4, nil, nil)
	require.True(t, kvpb.IsCompacted(err))

	// A scan from the floor itself is still answerable.
	events, err = s.ScanEvents(ctx, 3, 4, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestStoreTxnMultipleOps(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1") // index 1

	// A delete and a put of the same key in one transaction: the put
	// observes the delete, and all events share one index.
	tx := s.BeginTxn()
	require.Equal(t, int64(1), tx.DeleteRange(ctx, []byte("k"), nil, kvpb.EventDelete))
	_, ok := tx.Get(ctx, []byte("k"))
	require.False(t, ok)
	ev := tx.Put(ctx, []byte("k"), []byte("v2"))
	require.Equal(t, int64(1), ev.Kv.Version)
	require.Equal(t, int64(2), ev.Kv.CreateIndex)
	events, index := tx.End(ctx)

	require.Equal(t, int64(2), index)
	require.Len(t, events, 2)
	require.Equal(t, kvpb.EventDelete, events[0].Type)
	require.Equal(t, kvpb.EventPut, events[1].Type)
	for _, ev := range events {
		require.Equal(t, int64(2), ev.Index)
	}

	// One transaction, many keys: still one index.
	tx = s.BeginTxn()
	for i := 0; i < 5; i++ {
		tx.Put(ctx, []byte(fmt.Sprintf("key-%d", i)), []byte("v"))
	}
	events, index = tx.End(ctx)
	require.Equal(t, int64(3), index)
	require.Len(t, events, 5)
	for _, ev := range events {
		require.Equal(t, int64(3), ev.Index)
	}
}

func TestStoreReadOnlyTxnConsumesNoIndex(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	put(t, s, "k", "v1")

	tx := s.BeginTxn()
	kv, ok := tx.Get(ctx, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), kv.Value)
	res, err := tx.Range(ctx, []byte("k"), nil, RangeOptions{})
	require.NoError(t, err)
	require.Len(t, res.Kvs, 1)
	events, index := tx.End(ctx)
	require.Empty(t, events)
	require.Equal(t, int64(1), index)
	require.Equal(t, int64(1), s.Index())
}

func TestStoreModIndexMatchesGlobalIndex(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s := NewStore()

	var lastMod int64
	for i := 1; i <= 20; i++ {
		key := fmt.Sprintf("k-%d", i%3)
		ev := put(t, s, key, "v")
		require.Equal(t, int64(i), ev.Index)
		require.Equal(t, ev.Index, ev.Kv.ModIndex)
		require.Greater(t, ev.Kv.ModIndex, lastMod)
		lastMod = ev.Kv.ModIndex
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := NewStore()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			put(t, s, "k", fmt.Sprintf("v%d", i))
		}
	}()

	// Readers observe complete versions: the version counter always
	// matches the mod index while only puts have been applied.
	for i := 0; i < 200; i++ {
		res, err := s.Range(ctx, []byte("k"), nil, RangeOptions{})
		require.NoError(t, err)
		if len(res.Kvs) == 1 {
			kv := res.Kvs[0]
			require.Equal(t, kv.ModIndex, kv.Version)
			require.Equal(t, int64(1), kv.CreateIndex)
			require.LessOrEqual(t, kv.ModIndex, res.Index)
		}
	}
	<-done
}
