// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package watchfeed

import (
	"context"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/log"
)

// registry holds the active subscriptions. Single-key subscriptions
// are indexed by key; range subscriptions are matched by linear scan,
// which keeps up comfortably at the subscription counts a single
// process serves. Only the Processor goroutine touches the registry.
type registry struct {
	metrics *Metrics
	byID    map[int64]*registration
	keys    map[string]map[*registration]struct{}
	spans   map[*registration]struct{}
}

func makeRegistry(metrics *Metrics) registry {
	return registry{
		metrics: metrics,
		byID:    make(map[int64]*registration),
		keys:    make(map[string]map[*registration]struct{}),
		spans:   make(map[*registration]struct{}),
	}
}

func (reg *registry) Len() int {
	return len(reg.byID)
}

func (reg *registry) Register(ctx context.Context, r *registration) {
	if old := reg.byID[r.id]; old != nil {
		log.Fatalf(ctx, "duplicate subscription id %d", r.id)
	}
	reg.byID[r.id] = r
	if len(r.end) == 0 {
		k := string(r.key)
		set := reg.keys[k]
		if set == nil {
			set = make(map[*registration]struct{})
			reg.keys[k] = set
		}
		set[r] = struct{}{}
	} else {
		reg.spans[r] = struct{}{}
	}
	reg.metrics.Watchers.Update(int64(len(reg.byID)))
}

func (reg *registry) Unregister(ctx context.Context, r *registration) {
	if reg.byID[r.id] != r {
		return
	}
	delete(reg.byID, r.id)
	if len(r.end) == 0 {
		k := string(r.key)
		if set := reg.keys[k]; set != nil {
			delete(set, r)
			if len(set) == 0 {
				delete(reg.keys, k)
			}
		}
	} else {
		delete(reg.spans, r)
	}
	reg.metrics.Watchers.Update(int64(len(reg.byID)))
}

// Cancel completes the subscription with the given id with a nil
// error. Unknown ids are ignored.
func (reg *registry) Cancel(ctx context.Context, id int64) {
	if r := reg.byID[id]; r != nil {
		r.disconnect(nil)
	}
}

// PublishBatch routes one committed transaction's events to the
// matching subscriptions, one response per subscription. Bounded
// subscriptions whose end index is at or below the batch index
// complete instead: no later batch can carry events below their bound.
func (reg *registry) PublishBatch(ctx context.Context, index int64, events []kvpb.Event) {
	var matched map[*registration][]kvpb.Event
	add := func(r *registration, ev kvpb.Event) {
		if matched == nil {
			matched = make(map[*registration][]kvpb.Event)
		}
		matched[r] = append(matched[r], ev)
	}
	for _, ev := range events {
		for r := range reg.keys[string(ev.Kv.Key)] {
			add(r, ev)
		}
		for r := range reg.spans {
			if r.containsKey(ev.Kv.Key) {
				add(r, ev)
			}
		}
	}

	for r, evs := range matched {
		if r.endIndex > 0 && index >= r.endIndex {
			// Completed below.
			continue
		}
		if index < r.startIndex {
			// The subscription starts in the future.
			continue
		}
		r.publish(streamItem{resp: &kvpb.WatchResponse{
			ResponseHeader: kvpb.ResponseHeader{Index: index},
			WatchID:        r.id,
			Events:         evs,
		}})
		reg.metrics.EventsRouted.Inc(int64(len(evs)))
	}

	for _, r := range reg.byID {
		if r.endIndex > 0 && index >= r.endIndex {
			r.setTerminal(ErrIndexReached)
		}
	}
}

// PublishProgress queues an index progress notification on every
// subscription that asked for them. The notification is ordered behind
// any events already buffered, so by the time it is delivered the
// subscriber has seen everything at or below the notified index.
func (reg *registry) PublishProgress(ctx context.Context, index int64) {
	for _, r := range reg.byID {
		if !r.progressNotify {
			continue
		}
		r.publish(streamItem{resp: &kvpb.WatchResponse{
			ResponseHeader: kvpb.ResponseHeader{Index: index},
			WatchID:        r.id,
		}})
		reg.metrics.ProgressNotifications.Inc(1)
	}
}

// PublishProgressIDs queues a progress notification on each of the
// named subscriptions, whether or not they asked for periodic ones.
// Unknown ids are skipped.
func (reg *registry) PublishProgressIDs(ctx context.Context, ids []int64, index int64) {
	for _, id := range ids {
		r, ok := reg.byID[id]
		if !ok {
			continue
		}
		r.publish(streamItem{resp: &kvpb.WatchResponse{
			ResponseHeader: kvpb.ResponseHeader{Index: index},
			WatchID:        r.id,
		}})
		reg.metrics.ProgressNotifications.Inc(1)
	}
}

// DisconnectAll tears down every subscription with the given error.
func (reg *registry) DisconnectAll(ctx context.Context, err error) {
	for _, r := range reg.byID {
		r.disconnect(err)
	}
}

// waitForCaughtUp waits until every subscription has finished its
// catch-up phase and drained its buffer.
func (reg *registry) waitForCaughtUp() error {
	for _, r := range reg.byID {
		if err := r.waitForCaughtUp(); err != nil {
			return err
		}
	}
	return nil
}
