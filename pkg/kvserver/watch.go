// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/kvserver/watchfeed"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
)

var errStreamClosed = errors.New("watch stream closed")

// WatchStream is one client's WatchRange session. It multiplexes any
// number of subscriptions over a single response stream; subscription
// ids are unique across the whole server, so a session can only cancel
// ids it created. When the stream's context ends, every remaining
// subscription is torn down.
type WatchStream struct {
	s      *Server
	stream watchfeed.Stream

	mu struct {
		syncutil.Mutex
		closed bool
		active map[int64]struct{}
	}
}

// NewWatchStream opens a watch session writing to stream. The caller
// must Close it when the stream ends.
func (s *Server) NewWatchStream(stream watchfeed.Stream) *WatchStream {
	ws := &WatchStream{s: s, stream: stream}
	ws.mu.active = make(map[int64]struct{})
	s.metrics.WatchStreams.Inc(1)
	return ws
}

// HandleRequest dispatches one client message. A malformed create is
// answered with a terminal response on the stream; only a dead stream
// or a stopping server produce an error, which ends the session.
func (ws *WatchStream) HandleRequest(ctx context.Context, req *kvpb.WatchRequest) error {
	switch {
	case req.Create != nil:
		return ws.create(ctx, req.Create)
	case req.Cancel != nil:
		ws.cancel(req.Cancel.WatchID)
		return nil
	case req.Progress != nil:
		ws.requestProgress(ctx)
		return nil
	default:
		return kvpb.NewInvalidArgumentErrorf("empty watch request")
	}
}

// create registers one subscription. Its acknowledgment, events, and
// terminal response all flow through the session's stream, identified
// by the assigned watch id.
func (ws *WatchStream) create(ctx context.Context, req *kvpb.WatchCreate) error {
	id := ws.s.nextWatchID()
	if err := validateWatchCreate(req); err != nil {
		ws.s.metrics.RejectedRequests.Inc(1)
		return ws.stream.Send(&kvpb.WatchResponse{
			ResponseHeader: kvpb.ResponseHeader{
				Index: ws.s.store.Index(),
				Error: err.Error(),
			},
			WatchID:      id,
			Created:      true,
			Canceled:     true,
			CancelReason: err.Error(),
		})
	}

	ws.mu.Lock()
	if ws.mu.closed {
		ws.mu.Unlock()
		return errStreamClosed
	}
	ws.mu.active[id] = struct{}{}
	ws.mu.Unlock()

	ok := ws.s.watch.Register(
		id, req.Key, req.RangeEnd, req.StartIndex, req.EndIndex, req.ProgressNotify,
		ws.stream, func(err error) { ws.finish(id, err) },
	)
	if !ok {
		ws.mu.Lock()
		delete(ws.mu.active, id)
		ws.mu.Unlock()
		return errStreamClosed
	}
	return nil
}

// cancel forwards a client cancellation for a subscription this
// session owns. Unknown and already-terminated ids are ignored.
func (ws *WatchStream) cancel(id int64) {
	ws.mu.Lock()
	_, ok := ws.mu.active[id]
	ws.mu.Unlock()
	if ok {
		ws.s.watch.Cancel(id)
	}
}

// requestProgress asks for an immediate progress notification on every
// subscription of the session.
func (ws *WatchStream) requestProgress(ctx context.Context) {
	ws.mu.Lock()
	ids := make([]int64, 0, len(ws.mu.active))
	for id := range ws.mu.active {
		ids = append(ids, id)
	}
	ws.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ws.s.watch.RequestProgress(ctx, ids)
}

// finish is a subscription's done callback. It forgets the id and
// sends the terminal response, unless the stream itself is what went
// away.
func (ws *WatchStream) finish(id int64, err error) {
	ws.mu.Lock()
	delete(ws.mu.active, id)
	ws.mu.Unlock()

	if ws.stream.Context().Err() != nil {
		return
	}
	resp := &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: ws.s.store.Index()},
		WatchID:        id,
		Canceled:       true,
	}
	if err != nil {
		resp.CancelReason = err.Error()
		if kvpb.IsCompacted(err) || kvpb.IsWatchOverrun(err) {
			resp.Error = err.Error()
		}
		var cerr *kvpb.CompactedError
		if errors.As(err, &cerr) {
			resp.CompactIndex = cerr.CompactedIndex
		}
	}
	// Best effort: the stream may be going away concurrently.
	_ = ws.stream.Send(resp)
}

// Close tears down the session's remaining subscriptions and releases
// the session. Idempotent.
func (ws *WatchStream) Close() {
	ws.mu.Lock()
	if ws.mu.closed {
		ws.mu.Unlock()
		return
	}
	ws.mu.closed = true
	ids := make([]int64, 0, len(ws.mu.active))
	for id := range ws.mu.active {
		ids = append(ids, id)
	}
	ws.mu.Unlock()

	for _, id := range ids {
		ws.s.watch.Cancel(id)
	}
	ws.s.metrics.WatchStreams.Dec(1)
}

func validateWatchCreate(req *kvpb.WatchCreate) error {
	if err := validateSpan(req.Key, req.RangeEnd); err != nil {
		return err
	}
	if req.StartIndex < 0 || req.EndIndex < 0 {
		return kvpb.NewInvalidArgumentErrorf("watch index must not be negative")
	}
	if req.EndIndex > 0 && req.StartIndex >= req.EndIndex {
		return kvpb.NewInvalidArgumentErrorf(
			"watch end index %d does not follow start index %d", req.EndIndex, req.StartIndex)
	}
	return nil
}
