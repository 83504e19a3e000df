// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/testutils"
	"github.com/eyakubovich/etcd/pkg/util/leaktest"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/stretchr/testify/require"
)

// testStream implements watchfeed.Stream, recording every response.
type testStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	mu     struct {
		syncutil.Mutex
		responses []*kvpb.WatchResponse
	}
}

func newTestStream() *testStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &testStream{ctx: ctx, cancel: cancel}
}

func (s *testStream) Context() context.Context { return s.ctx }

func (s *testStream) Send(resp *kvpb.WatchResponse) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.responses = append(s.mu.responses, resp)
	return nil
}

// Responses returns the responses recorded since the last call.
func (s *testStream) Responses() []*kvpb.WatchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resps := s.mu.responses
	s.mu.responses = nil
	return resps
}

// awaitResponses drains stream until n responses have arrived and
// returns them in delivery order.
func awaitResponses(t *testing.T, stream *testStream, n int) []*kvpb.WatchResponse {
	t.Helper()
	var got []*kvpb.WatchResponse
	testutils.SucceedsSoon(t, func() error {
		got = append(got, stream.Responses()...)
		if len(got) < n {
			return errors.Errorf("have %d responses, waiting for %d", len(got), n)
		}
		return nil
	})
	require.Len(t, got, n)
	return got
}

func createWatch(t *testing.T, ws *WatchStream, stream *testStream, req *kvpb.WatchCreate) int64 {
	t.Helper()
	require.NoError(t, ws.HandleRequest(context.Background(), &kvpb.WatchRequest{Create: req}))
	ack := awaitResponses(t, stream, 1)[0]
	require.True(t, ack.Created)
	require.False(t, ack.Canceled)
	require.Empty(t, ack.Error)
	require.Empty(t, ack.Events)
	return ack.WatchID
}

func TestWatchStreamLifecycle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	require.EqualValues(t, 1, s.metrics.WatchStreams.Value())

	id := createWatch(t, ws, stream, &kvpb.WatchCreate{Key: []byte("a")})

	putKV(ctx, t, s, "a", "v1")
	resp := awaitResponses(t, stream, 1)[0]
	require.Equal(t, &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: 1},
		WatchID:        id,
		Events: []kvpb.Event{{
			Type:  kvpb.EventPut,
			Kv:    kvpb.KeyValue{Key: []byte("a"), Value: []byte("v1"), CreateIndex: 1, ModIndex: 1, Version: 1},
			Index: 1,
		}},
	}, resp)

	// A mutation outside the watched key is routed and skipped. The
	// buffer preserves order, so the next response carrying index 3
	// proves index 2 produced nothing here.
	putKV(ctx, t, s, "b", "other")
	putKV(ctx, t, s, "a", "v2")
	resp = awaitResponses(t, stream, 1)[0]
	require.EqualValues(t, 3, resp.Index)
	require.Equal(t, []kvpb.Event{{
		Type:  kvpb.EventPut,
		Kv:    kvpb.KeyValue{Key: []byte("a"), Value: []byte("v2"), CreateIndex: 1, ModIndex: 3, Version: 2},
		Index: 3,
	}}, resp.Events)

	// A clean cancellation ends with a bare terminal response.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Cancel: &kvpb.WatchCancel{WatchID: id}}))
	term := awaitResponses(t, stream, 1)[0]
	require.Equal(t, &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: 3},
		WatchID:        id,
		Canceled:       true,
	}, term)

	// Canceling again is a no-op; the id is no longer this session's.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Cancel: &kvpb.WatchCancel{WatchID: id}}))

	id2 := createWatch(t, ws, stream, &kvpb.WatchCreate{Key: []byte("a")})
	require.NotEqual(t, id, id2)

	putKV(ctx, t, s, "a", "v3")
	resp = awaitResponses(t, stream, 1)[0]
	require.Equal(t, id2, resp.WatchID)
	require.EqualValues(t, 4, resp.Index)

	// Close tears down the remaining subscription.
	ws.Close()
	term = awaitResponses(t, stream, 1)[0]
	require.Equal(t, id2, term.WatchID)
	require.True(t, term.Canceled)
	require.EqualValues(t, 0, s.metrics.WatchStreams.Value())

	err := ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{Key: []byte("a")}})
	require.ErrorContains(t, err, "watch stream closed")
	ws.Close()
	require.EqualValues(t, 0, s.metrics.WatchStreams.Value())
}

func TestWatchCatchUp(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "a", "v1")
	putKV(ctx, t, s, "b", "v2")
	putKV(ctx, t, s, "a", "v3")

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	defer ws.Close()

	// History replays one response per index, then the subscription
	// goes live seamlessly.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), RangeEnd: []byte("z"), StartIndex: 1,
	}}))
	resps := awaitResponses(t, stream, 4)
	require.True(t, resps[0].Created)
	require.EqualValues(t, 3, resps[0].Index)
	id1 := resps[0].WatchID

	require.Equal(t, []kvpb.Event{{
		Type:  kvpb.EventPut,
		Kv:    kvpb.KeyValue{Key: []byte("a"), Value: []byte("v1"), CreateIndex: 1, ModIndex: 1, Version: 1},
		Index: 1,
	}}, resps[1].Events)
	require.Equal(t, []kvpb.Event{{
		Type:  kvpb.EventPut,
		Kv:    kvpb.KeyValue{Key: []byte("b"), Value: []byte("v2"), CreateIndex: 2, ModIndex: 2, Version: 1},
		Index: 2,
	}}, resps[2].Events)
	require.Equal(t, []kvpb.Event{{
		Type:  kvpb.EventPut,
		Kv:    kvpb.KeyValue{Key: []byte("a"), Value: []byte("v3"), CreateIndex: 1, ModIndex: 3, Version: 2},
		Index: 3,
	}}, resps[3].Events)

	putKV(ctx, t, s, "c", "v4")
	resp := awaitResponses(t, stream, 1)[0]
	require.Equal(t, id1, resp.WatchID)
	require.EqualValues(t, 4, resp.Index)

	// A subscription starting at the current index replays just that
	// index.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), RangeEnd: []byte("z"), StartIndex: 4,
	}}))
	resps = awaitResponses(t, stream, 2)
	require.True(t, resps[0].Created)
	id2 := resps[0].WatchID
	require.EqualValues(t, 4, resps[1].Index)
	require.Equal(t, []kvpb.Event{{
		Type:  kvpb.EventPut,
		Kv:    kvpb.KeyValue{Key: []byte("c"), Value: []byte("v4"), CreateIndex: 4, ModIndex: 4, Version: 1},
		Index: 4,
	}}, resps[1].Events)

	ws.Close()
	resps = awaitResponses(t, stream, 2)
	var ids []int64
	for _, r := range resps {
		require.True(t, r.Canceled)
		ids = append(ids, r.WatchID)
	}
	require.ElementsMatch(t, []int64{id1, id2}, ids)
}

func TestWatchBounded(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "a", "v1")
	putKV(ctx, t, s, "a", "v2")
	putKV(ctx, t, s, "a", "v3")

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	defer ws.Close()

	// A fully historical bound replays [start, end) and completes.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), StartIndex: 1, EndIndex: 3,
	}}))
	resps := awaitResponses(t, stream, 4)
	require.True(t, resps[0].Created)
	require.EqualValues(t, 1, resps[1].Index)
	require.EqualValues(t, 2, resps[2].Index)
	require.True(t, resps[3].Canceled)
	require.Equal(t, "watch end index reached", resps[3].CancelReason)
	require.Empty(t, resps[3].Error)

	// A bound at or below the next index leaves nothing to deliver.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), EndIndex: 2,
	}}))
	resps = awaitResponses(t, stream, 2)
	require.True(t, resps[0].Created)
	require.True(t, resps[1].Canceled)
	require.Equal(t, "watch end index reached", resps[1].CancelReason)

	// A live subscription completes once the bound index commits,
	// without delivering its events.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), EndIndex: 5,
	}}))
	resps = awaitResponses(t, stream, 1)
	require.True(t, resps[0].Created)

	putKV(ctx, t, s, "a", "v4")
	resp := awaitResponses(t, stream, 1)[0]
	require.EqualValues(t, 4, resp.Index)
	require.Len(t, resp.Events, 1)

	putKV(ctx, t, s, "a", "v5")
	resp = awaitResponses(t, stream, 1)[0]
	require.True(t, resp.Canceled)
	require.Equal(t, "watch end index reached", resp.CancelReason)
	require.Empty(t, resp.Events)
}

func TestWatchCompacted(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "a", "v1")
	putKV(ctx, t, s, "a", "v2")
	putKV(ctx, t, s, "a", "v3")
	_, err := s.Compact(ctx, &kvpb.CompactRequest{Index: 2})
	require.NoError(t, err)

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	defer ws.Close()

	// Starting below the compaction floor cancels the subscription and
	// names the index to resynchronize from.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), StartIndex: 1,
	}}))
	resps := awaitResponses(t, stream, 2)
	require.True(t, resps[0].Created)
	term := resps[1]
	require.True(t, term.Canceled)
	require.Contains(t, term.CancelReason, "compacted")
	require.Equal(t, term.CancelReason, term.Error)
	require.EqualValues(t, 2, term.CompactIndex)

	// Starting at the floor still works.
	require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: &kvpb.WatchCreate{
		Key: []byte("a"), StartIndex: 2,
	}}))
	resps = awaitResponses(t, stream, 3)
	require.True(t, resps[0].Created)
	require.EqualValues(t, 2, resps[1].Index)
	require.Equal(t, []byte("v2"), resps[1].Events[0].Kv.Value)
	require.EqualValues(t, 3, resps[2].Index)
	require.Equal(t, []byte("v3"), resps[2].Events[0].Kv.Value)
}

func TestWatchCreateInvalid(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	putKV(ctx, t, s, "k", "v")

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	defer ws.Close()

	testcases := []*kvpb.WatchCreate{
		{Key: []byte("b"), RangeEnd: []byte("a")},
		{Key: []byte("a"), StartIndex: -1},
		{Key: []byte("a"), EndIndex: -1},
		{Key: []byte("a"), StartIndex: 5, EndIndex: 5},
		{Key: []byte("a"), StartIndex: 5, EndIndex: 3},
	}
	for _, req := range testcases {
		// The rejection is answered on the stream, synchronously; the
		// session survives.
		require.NoError(t, ws.HandleRequest(ctx, &kvpb.WatchRequest{Create: req}))
		resps := stream.Responses()
		require.Len(t, resps, 1)
		require.True(t, resps[0].Created)
		require.True(t, resps[0].Canceled)
		require.NotEmpty(t, resps[0].Error)
		require.Equal(t, resps[0].Error, resps[0].CancelReason)
		require.EqualValues(t, 1, resps[0].Index)
	}
	require.EqualValues(t, len(testcases), s.metrics.RejectedRequests.Count())
	require.EqualValues(t, 0, s.watch.Metrics.Watchers.Value())

	// A message with no variant set is a session-level error.
	err := ws.HandleRequest(ctx, &kvpb.WatchRequest{})
	require.True(t, kvpb.IsInvalidArgument(err))
}

func TestWatchProgressAndSessionIsolation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	sa := newTestStream()
	wsa := s.NewWatchStream(sa)
	defer wsa.Close()
	sb := newTestStream()
	wsb := s.NewWatchStream(sb)
	defer wsb.Close()

	idA1 := createWatch(t, wsa, sa, &kvpb.WatchCreate{Key: []byte("a"), RangeEnd: []byte("m")})
	idA2 := createWatch(t, wsa, sa, &kvpb.WatchCreate{Key: []byte("x")})
	idB := createWatch(t, wsb, sb, &kvpb.WatchCreate{Key: []byte("a"), RangeEnd: []byte("z")})
	require.NotEqual(t, idA1, idA2)
	require.NotEqual(t, idA2, idB)

	putKV(ctx, t, s, "c", "v")
	require.Equal(t, idA1, awaitResponses(t, sa, 1)[0].WatchID)
	require.Equal(t, idB, awaitResponses(t, sb, 1)[0].WatchID)

	// A progress request reports on every subscription of its own
	// session, whether or not events have matched.
	require.NoError(t, wsa.HandleRequest(ctx, &kvpb.WatchRequest{Progress: &kvpb.WatchProgress{}}))
	resps := awaitResponses(t, sa, 2)
	var ids []int64
	for _, r := range resps {
		require.EqualValues(t, 1, r.Index)
		require.Empty(t, r.Events)
		require.False(t, r.Created)
		require.False(t, r.Canceled)
		ids = append(ids, r.WatchID)
	}
	require.ElementsMatch(t, []int64{idA1, idA2}, ids)
	require.Empty(t, sb.Responses())

	// A session cannot cancel another session's subscription.
	require.NoError(t, wsb.HandleRequest(ctx, &kvpb.WatchRequest{Cancel: &kvpb.WatchCancel{WatchID: idA1}}))
	putKV(ctx, t, s, "d", "v")
	require.Equal(t, idA1, awaitResponses(t, sa, 1)[0].WatchID)
	require.Equal(t, idB, awaitResponses(t, sb, 1)[0].WatchID)
}

func TestWatchStreamDies(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t)
	defer stopper.Stop(ctx)

	stream := newTestStream()
	ws := s.NewWatchStream(stream)

	createWatch(t, ws, stream, &kvpb.WatchCreate{Key: []byte("a"), RangeEnd: []byte("z")})
	putKV(ctx, t, s, "a", "v1")
	awaitResponses(t, stream, 1)

	// When the subscriber goes away the subscription is torn down
	// without a terminal response; there is nobody to read it.
	stream.cancel()
	testutils.SucceedsSoon(t, func() error {
		if n := s.watch.Metrics.Watchers.Value(); n != 0 {
			return errors.Errorf("%d subscriptions still registered", n)
		}
		return nil
	})
	require.Empty(t, stream.Responses())

	ws.Close()
	require.EqualValues(t, 0, s.metrics.WatchStreams.Value())
}

func TestWatchSeesLeaseDeath(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, stopper := newTestServer(t, withMinLeaseTTL(50*time.Millisecond))
	defer stopper.Stop(ctx)

	stream := newTestStream()
	ws := s.NewWatchStream(stream)
	defer ws.Close()
	id := createWatch(t, ws, stream, &kvpb.WatchCreate{Key: []byte("x"), RangeEnd: []byte("z")})

	putKV(ctx, t, s, "x1", "v")
	putKV(ctx, t, s, "x2", "v")
	awaitResponses(t, stream, 2)

	// Revocation deletes attached keys with DELETE events.
	cr, err := s.LeaseCreate(ctx, &kvpb.LeaseCreateRequest{TTL: 60})
	require.NoError(t, err)
	_, err = s.LeaseAttach(ctx, &kvpb.LeaseAttachRequest{ID: cr.ID, Key: []byte("x1")})
	require.NoError(t, err)
	_, err = s.LeaseRevoke(ctx, &kvpb.LeaseRevokeRequest{ID: cr.ID})
	require.NoError(t, err)

	resp := awaitResponses(t, stream, 1)[0]
	require.Equal(t, &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: 3},
		WatchID:        id,
		Events: []kvpb.Event{{
			Type:  kvpb.EventDelete,
			Kv:    kvpb.KeyValue{Key: []byte("x1"), Value: []byte("v"), CreateIndex: 1, ModIndex: 1, Version: 1},
			Index: 3,
		}},
	}, resp)

	// Expiry deletes them with EXPIRE events instead.
	cr, err = s.LeaseCreate(ctx, &kvpb.LeaseCreateRequest{TTL: 0})
	require.NoError(t, err)
	_, err = s.LeaseAttach(ctx, &kvpb.LeaseAttachRequest{ID: cr.ID, Key: []byte("x2")})
	require.NoError(t, err)

	resp = awaitResponses(t, stream, 1)[0]
	require.Equal(t, &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: 4},
		WatchID:        id,
		Events: []kvpb.Event{{
			Type:  kvpb.EventExpire,
			Kv:    kvpb.KeyValue{Key: []byte("x2"), Value: []byte("v"), CreateIndex: 2, ModIndex: 2, Version: 1},
			Index: 4,
		}},
	}, resp)

	// Keys of one dead lease go as one batch sharing one index.
	putKV(ctx, t, s, "y1", "v")
	putKV(ctx, t, s, "y2", "v")
	awaitResponses(t, stream, 2)
	cr, err = s.LeaseCreate(ctx, &kvpb.LeaseCreateRequest{TTL: 0})
	require.NoError(t, err)
	_, err = s.LeaseAttach(ctx, &kvpb.LeaseAttachRequest{ID: cr.ID, Key: []byte("y1")})
	require.NoError(t, err)
	_, err = s.LeaseAttach(ctx, &kvpb.LeaseAttachRequest{ID: cr.ID, Key: []byte("y2")})
	require.NoError(t, err)

	resp = awaitResponses(t, stream, 1)[0]
	require.EqualValues(t, 7, resp.Index)
	require.Equal(t, []kvpb.Event{
		{
			Type:  kvpb.EventExpire,
			Kv:    kvpb.KeyValue{Key: []byte("y1"), Value: []byte("v"), CreateIndex: 5, ModIndex: 5, Version: 1},
			Index: 7,
		},
		{
			Type:  kvpb.EventExpire,
			Kv:    kvpb.KeyValue{Key: []byte("y2"), Value: []byte("v"), CreateIndex: 6, ModIndex: 6, Version: 1},
			Index: 7,
		},
	}, resp.Events)

	// Each expiry fires exactly once.
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, stream.Responses())
	require.EqualValues(t, 7, s.Index())
}
