// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"context"
	"fmt"
	"testing"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func rangeOp(key, end string) kvpb.RequestUnion {
	var ru kvpb.RequestUnion
	ru.MustSetInner(&kvpb.RangeRequest{Key: []byte(key), RangeEnd: []byte(end)})
	return ru
}

func putOp(key, value string) kvpb.RequestUnion {
	var ru kvpb.RequestUnion
	ru.MustSetInner(&kvpb.PutRequest{Key: []byte(key), Value: []byte(value)})
	return ru
}

func deleteOp(key, end string) kvpb.RequestUnion {
	var ru kvpb.RequestUnion
	ru.MustSetInner(&kvpb.DeleteRangeRequest{Key: []byte(key), RangeEnd: []byte(end)})
	return ru
}

func TestTxnCompareAndCreate(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	req := &kvpb.TxnRequest{
		Compare: []kvpb.Compare{{
			Key:    []byte("job"),
			Result: kvpb.CompareEqual,
			Target: kvpb.CompareCreate,
		}},
		Success: []kvpb.RequestUnion{putOp("job", "alice")},
	}

	resp, err := s.Txn(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.EqualValues(t, 1, resp.Index)
	require.Len(t, resp.Responses, 1)
	require.NotNil(t, resp.Responses[0].Put)
	require.EqualValues(t, 1, resp.Responses[0].Put.Index)

	// A second contender loses: the key now has a nonzero create
	// index, so the guard fails and the empty failure list applies.
	resp, err = s.Txn(ctx, req)
	require.NoError(t, err)
	require.False(t, resp.Succeeded)
	require.EqualValues(t, 1, resp.Index)
	require.Empty(t, resp.Responses)

	r, err := s.Range(ctx, &kvpb.RangeRequest{Key: []byte("job")})
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), r.Kvs[0].Value)

	require.EqualValues(t, 2, s.metrics.TxnEvaluations.Count())
	require.EqualValues(t, 1, s.metrics.TxnGuardFailures.Count())
}

func TestTxnAtomicity(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "a", "1")
	putKV(ctx, t, s, "b", "2")

	// Later operations observe earlier ones, and every event shares
	// the transaction's single global index.
	resp, err := s.Txn(ctx, &kvpb.TxnRequest{
		Success: []kvpb.RequestUnion{
			deleteOp("a", ""),
			putOp("a", "fresh"),
			rangeOp("a", "c"),
			deleteOp("zz", ""),
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.EqualValues(t, 3, resp.Index)
	require.Len(t, resp.Responses, 4)

	require.EqualValues(t, 1, resp.Responses[0].DeleteRange.Deleted)
	require.EqualValues(t, 3, resp.Responses[0].DeleteRange.Index)
	require.EqualValues(t, 3, resp.Responses[1].Put.Index)

	// The sub-range sees the delete and the re-put that precede it in
	// the operation list.
	rr := resp.Responses[2].Range
	require.EqualValues(t, 3, rr.Index)
	require.EqualValues(t, 2, rr.Count)
	require.Equal(t, []kvpb.KeyValue{
		{Key: []byte("a"), Value: []byte("fresh"), CreateIndex: 3, ModIndex: 3, Version: 1},
		{Key: []byte("b"), Value: []byte("2"), CreateIndex: 2, ModIndex: 2, Version: 1},
	}, rr.Kvs)

	require.EqualValues(t, 0, resp.Responses[3].DeleteRange.Deleted)

	require.EqualValues(t, 3, s.Index())
}

func TestTxnEmpty(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "k", "v")

	// No guards means success; no operations means no index is
	// consumed.
	resp, err := s.Txn(ctx, &kvpb.TxnRequest{})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.EqualValues(t, 1, resp.Index)
	require.Empty(t, resp.Responses)
	require.EqualValues(t, 1, s.Index())
}

func TestTxnGuardTargets(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "k", "v")
	putKV(ctx, t, s, "k", "w")
	// k: create 1, mod 2, version 2, value "w".

	testcases := []struct {
		guard kvpb.Compare
		holds bool
	}{
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareVersion, Result: kvpb.CompareEqual, Version: 2}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareVersion, Result: kvpb.CompareGreater, Version: 1}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareVersion, Result: kvpb.CompareLess, Version: 3}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareVersion, Result: kvpb.CompareEqual, Version: 3}, false},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareCreate, Result: kvpb.CompareEqual, CreateIndex: 1}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareMod, Result: kvpb.CompareEqual, ModIndex: 2}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareMod, Result: kvpb.CompareGreater, ModIndex: 2}, false},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareValue, Result: kvpb.CompareEqual, Value: []byte("w")}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareValue, Result: kvpb.CompareGreater, Value: []byte("v")}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareValue, Result: kvpb.CompareLess, Value: []byte("x")}, true},
		{kvpb.Compare{Key: []byte("k"), Target: kvpb.CompareValue, Result: kvpb.CompareEqual, Value: []byte("v")}, false},
		// Absent keys compare with every numeric field zero and an
		// empty value.
		{kvpb.Compare{Key: []byte("nope"), Target: kvpb.CompareVersion, Result: kvpb.CompareEqual}, true},
		{kvpb.Compare{Key: []byte("nope"), Target: kvpb.CompareValue, Result: kvpb.CompareEqual}, true},
		{kvpb.Compare{Key: []byte("nope"), Target: kvpb.CompareCreate, Result: kvpb.CompareGreater}, false},
	}
	for i, tc := range testcases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			resp, err := s.Txn(ctx, &kvpb.TxnRequest{Compare: []kvpb.Compare{tc.guard}})
			require.NoError(t, err)
			require.Equal(t, tc.holds, resp.Succeeded)
		})
	}

	// Guard-only transactions never consume an index.
	require.EqualValues(t, 2, s.Index())
}

func TestTxnSubRangeFailure(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "k", "v1")
	putKV(ctx, t, s, "k", "v2")
	_, err := s.Compact(ctx, &kvpb.CompactRequest{Index: 2})
	require.NoError(t, err)

	// A sub-read below the compaction floor fails in its own header
	// without aborting the transaction.
	var historical kvpb.RequestUnion
	historical.MustSetInner(&kvpb.RangeRequest{Key: []byte("k"), Index: 1})
	resp, err := s.Txn(ctx, &kvpb.TxnRequest{
		Success: []kvpb.RequestUnion{historical, putOp("k", "v3")},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.EqualValues(t, 3, resp.Index)

	rr := resp.Responses[0].Range
	require.Contains(t, rr.Error, "compacted")
	require.EqualValues(t, 3, rr.Index)
	require.Empty(t, rr.Kvs)

	r, err := s.Range(ctx, &kvpb.RangeRequest{Key: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, []kvpb.KeyValue{{
		Key:         []byte("k"),
		Value:       []byte("v3"),
		CreateIndex: 1,
		ModIndex:    3,
		Version:     3,
	}}, r.Kvs)
}

func TestTxnValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	testcases := []struct {
		name string
		req  *kvpb.TxnRequest
	}{
		{"guard without key", &kvpb.TxnRequest{
			Compare: []kvpb.Compare{{Target: kvpb.CompareVersion, Result: kvpb.CompareEqual}},
		}},
		{"empty request union", &kvpb.TxnRequest{
			Success: []kvpb.RequestUnion{{}},
		}},
		{"put without key", &kvpb.TxnRequest{
			Success: []kvpb.RequestUnion{putOp("", "v")},
		}},
		{"inverted sub-range", &kvpb.TxnRequest{
			Success: []kvpb.RequestUnion{rangeOp("b", "a")},
		}},
		{"inverted sub-delete in failure list", &kvpb.TxnRequest{
			Failure: []kvpb.RequestUnion{deleteOp("b", "a")},
		}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := s.Txn(ctx, tc.req)
			require.True(t, kvpb.IsInvalidArgument(err))
			require.NotEmpty(t, resp.Error)
		})
	}

	// Rejected transactions consume no index and are not counted as
	// evaluations.
	require.EqualValues(t, 0, s.Index())
	require.EqualValues(t, 0, s.metrics.TxnEvaluations.Count())
	require.EqualValues(t, len(testcases), s.metrics.RejectedRequests.Count())
}

func TestLeaseTxn(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	lresp, err := s.LeaseCreate(ctx, &kvpb.LeaseCreateRequest{TTL: 60})
	require.NoError(t, err)
	leaseID := lresp.ID

	req := &kvpb.LeaseTxnRequest{
		Txn: kvpb.TxnRequest{
			Compare: []kvpb.Compare{{
				Key:    []byte("winner"),
				Result: kvpb.CompareEqual,
				Target: kvpb.CompareCreate,
			}},
			Success: []kvpb.RequestUnion{putOp("winner", "one")},
			Failure: []kvpb.RequestUnion{putOp("loser", "two")},
		},
		SuccessAttach: []kvpb.LeaseAttachRequest{{ID: leaseID, Key: []byte("winner")}},
		FailureAttach: []kvpb.LeaseAttachRequest{{ID: leaseID, Key: []byte("loser")}},
	}

	resp, err := s.LeaseTxn(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.EqualValues(t, 1, resp.Index)

	ttl, err := s.LeaseTimeToLive(ctx, &kvpb.LeaseTimeToLiveRequest{ID: leaseID, Keys: true})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("winner")}, ttl.Keys)

	// The same request now takes the failure branch and attaches the
	// failure list instead.
	resp, err = s.LeaseTxn(ctx, req)
	require.NoError(t, err)
	require.False(t, resp.Succeeded)
	require.EqualValues(t, 2, resp.Index)

	ttl, err = s.LeaseTimeToLive(ctx, &kvpb.LeaseTimeToLiveRequest{ID: leaseID, Keys: true})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("loser"), []byte("winner")}, ttl.Keys)

	// Revoking deletes both attached keys as one batch.
	_, err = s.LeaseRevoke(ctx, &kvpb.LeaseRevokeRequest{ID: leaseID})
	require.NoError(t, err)
	r, err := s.Range(ctx, &kvpb.RangeRequest{Key: []byte("a"), RangeEnd: []byte("z")})
	require.NoError(t, err)
	require.Zero(t, r.Count)
	require.EqualValues(t, 3, r.Index)
}

func TestLeaseTxnUnknownLease(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	// Naming an unknown lease rejects the whole request up front; the
	// transaction does not run.
	resp, err := s.LeaseTxn(ctx, &kvpb.LeaseTxnRequest{
		Txn: kvpb.TxnRequest{
			Success: []kvpb.RequestUnion{putOp("k", "v")},
		},
		SuccessAttach: []kvpb.LeaseAttachRequest{{ID: 999, Key: []byte("k")}},
	})
	require.True(t, kvpb.IsLeaseNotFound(err))
	require.NotEmpty(t, resp.Error)
	require.EqualValues(t, 0, s.Index())

	resp, err = s.LeaseTxn(ctx, &kvpb.LeaseTxnRequest{
		Txn: kvpb.TxnRequest{
			Success: []kvpb.RequestUnion{putOp("k", "v")},
		},
		SuccessAttach: []kvpb.LeaseAttachRequest{{ID: 1}},
	})
	require.True(t, kvpb.IsInvalidArgument(err))
	require.NotEmpty(t, resp.Error)
	require.EqualValues(t, 0, s.Index())
}
