// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package kvserver ties the multiversion store, the transaction
// evaluator, the watch dispatcher, and the lease manager together
// behind the kvpb request surface.
//
// Every mutation runs through one serialized apply path: the store's
// write transaction and the hand-off of the committed events to the
// watch dispatcher happen under a single lock, so events reach
// subscriptions in commit order and a transaction's guards cannot
// interleave with another mutation. Lease-driven deletions enter
// through the same path.
package kvserver

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/kvserver/lease"
	"github.com/eyakubovich/etcd/pkg/kvserver/watchfeed"
	"github.com/eyakubovich/etcd/pkg/storage"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/metric"
	"github.com/eyakubovich/etcd/pkg/util/stop"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

// Config supplies a Server's collaborators and tuning knobs.
type Config struct {
	log.AmbientContext

	Stopper *stop.Stopper
	// Registry, when set, collects the metrics of the server and its
	// components.
	Registry *metric.Registry

	// MinLeaseTTL overrides the lease manager's default minimum TTL
	// when positive.
	MinLeaseTTL time.Duration
	// LeaseTick and LeaseWheelSize override the lease expiry wheel's
	// tick and bucket count when positive; tests use them to expire
	// quickly.
	LeaseTick      time.Duration
	LeaseWheelSize int64

	// WatchBufferCap, WatchEventChanCap, and WatchProgressInterval are
	// passed through to the watch dispatcher; zero values take the
	// dispatcher's defaults.
	WatchBufferCap        int
	WatchEventChanCap     int
	WatchProgressInterval time.Duration
}

// Server evaluates kvpb requests against a multiversion store.
type Server struct {
	Config
	metrics *Metrics
	store   *storage.Store
	watch   *watchfeed.Processor
	leases  *lease.Manager

	// watchIDSeq feeds server-wide unique subscription ids.
	watchIDSeq int64

	// applyMu serializes the apply path. A mutation holds it from
	// BeginTxn until its events have been handed to the watch
	// dispatcher.
	applyMu syncutil.Mutex
}

// NewServer assembles a Server. Start must be called before use.
func NewServer(cfg Config) *Server {
	cfg.AmbientContext.AddLogTag("kv", nil)
	s := &Server{
		Config:  cfg,
		metrics: NewMetrics(),
		store:   storage.NewStore(),
	}
	s.watch = watchfeed.NewProcessor(watchfeed.Config{
		AmbientContext:   cfg.AmbientContext,
		Store:            s.store,
		Stopper:          cfg.Stopper,
		EventChanCap:     cfg.WatchEventChanCap,
		BufferCap:        cfg.WatchBufferCap,
		ProgressInterval: cfg.WatchProgressInterval,
	})
	s.leases = lease.NewManager(lease.Config{
		AmbientContext: cfg.AmbientContext,
		Stopper:        cfg.Stopper,
		MinTTL:         cfg.MinLeaseTTL,
		Tick:           cfg.LeaseTick,
		WheelSize:      cfg.LeaseWheelSize,
		DeleteAttached: s.deleteAttached,
	})
	if cfg.Registry != nil {
		cfg.Registry.AddMetricStruct(s.metrics)
		cfg.Registry.AddMetricStruct(s.store.Metrics())
		cfg.Registry.AddMetricStruct(s.watch.Metrics)
		cfg.Registry.AddMetricStruct(s.leases.Metrics)
	}
	return s
}

// Start launches the watch dispatcher and the lease manager. Both shut
// down with the Stopper.
func (s *Server) Start() error {
	if err := s.watch.Start(); err != nil {
		return err
	}
	return s.leases.Start()
}

// Index returns the store's current global index.
func (s *Server) Index() int64 {
	return s.store.Index()
}

// Range reads the versions live at the requested index, or the current
// state when the request's index is zero.
func (s *Server) Range(
	ctx context.Context, req *kvpb.RangeRequest,
) (*kvpb.RangeResponse, error) {
	resp := &kvpb.RangeResponse{}
	if err := validateRange(req); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	res, err := s.store.Range(ctx, req.Key, req.RangeEnd, storage.RangeOptions{
		Limit:     req.Limit,
		Index:     req.Index,
		CountOnly: req.CountOnly,
		KeysOnly:  req.KeysOnly,
	})
	if err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = res.Index
	resp.Kvs = res.Kvs
	resp.More = res.More
	resp.Count = res.Count
	return resp, nil
}

// Put creates or updates a single key.
func (s *Server) Put(ctx context.Context, req *kvpb.PutRequest) (*kvpb.PutResponse, error) {
	resp := &kvpb.PutResponse{}
	if len(req.Key) == 0 {
		return resp, s.reject(ctx, resp.Header(), kvpb.NewInvalidArgumentErrorf("key is not provided"))
	}
	resp.Index = s.apply(ctx, func(tx *storage.WriteTxn) {
		tx.Put(ctx, req.Key, req.Value)
	})
	return resp, nil
}

// DeleteRange removes the live versions of the keys in the request's
// span. Deleting keys that are absent is a no-op that consumes no
// global index.
func (s *Server) DeleteRange(
	ctx context.Context, req *kvpb.DeleteRangeRequest,
) (*kvpb.DeleteRangeResponse, error) {
	resp := &kvpb.DeleteRangeResponse{}
	if err := validateSpan(req.Key, req.RangeEnd); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.apply(ctx, func(tx *storage.WriteTxn) {
		resp.Deleted = tx.DeleteRange(ctx, req.Key, req.RangeEnd, kvpb.EventDelete)
	})
	return resp, nil
}

// Compact prunes history below the requested index. Subscriptions and
// historical reads needing the pruned history fail with a compacted
// condition afterwards.
func (s *Server) Compact(
	ctx context.Context, req *kvpb.CompactRequest,
) (*kvpb.CompactResponse, error) {
	resp := &kvpb.CompactResponse{}
	if err := s.store.Compact(ctx, req.Index); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	return resp, nil
}

// apply runs fn inside a store write transaction and hands the
// committed events to the watch dispatcher. The whole sequence holds
// applyMu, so batches reach the dispatcher in commit order and fn's
// reads cannot interleave with another mutation. It returns the
// store's resulting global index.
func (s *Server) apply(ctx context.Context, fn func(tx *storage.WriteTxn)) int64 {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	start := timeutil.Now()
	tx := s.store.BeginTxn()
	fn(tx)
	events, index := tx.End(ctx)
	s.watch.Publish(ctx, index, events)
	s.metrics.ApplyLatency.RecordValue(timeutil.Since(start).Nanoseconds())
	return index
}

// deleteAttached is the lease manager's deletion hook. The keys of a
// dead lease go through the apply path as one atomic batch, so their
// events share an index and reach subscriptions like any other write.
func (s *Server) deleteAttached(ctx context.Context, keys [][]byte, typ kvpb.EventType) error {
	s.apply(ctx, func(tx *storage.WriteTxn) {
		for _, key := range keys {
			tx.DeleteRange(ctx, key, nil, typ)
		}
	})
	return nil
}

// reject fills the response header of a request refused without
// consuming a global index, and passes err through.
func (s *Server) reject(ctx context.Context, h *kvpb.ResponseHeader, err error) error {
	h.Index = s.store.Index()
	h.Error = err.Error()
	s.metrics.RejectedRequests.Inc(1)
	log.VInfof(ctx, 2, "request rejected: %v", err)
	return err
}

// validateSpan checks a request's key span. An empty range end
// addresses the single key; a non-empty one must not sort before the
// key.
func validateSpan(key, end []byte) error {
	if len(key) == 0 {
		return kvpb.NewInvalidArgumentErrorf("key is not provided")
	}
	if len(end) > 0 && bytes.Compare(end, key) < 0 {
		return kvpb.NewInvalidArgumentErrorf("range end %q sorts before key %q", end, key)
	}
	return nil
}

func validateRange(req *kvpb.RangeRequest) error {
	if err := validateSpan(req.Key, req.RangeEnd); err != nil {
		return err
	}
	if req.Index < 0 {
		return kvpb.NewInvalidArgumentErrorf("read index must not be negative")
	}
	if req.Limit < 0 {
		return kvpb.NewInvalidArgumentErrorf("limit must not be negative")
	}
	return nil
}

func (s *Server) nextWatchID() int64 {
	return atomic.AddInt64(&s.watchIDSeq, 1)
}
