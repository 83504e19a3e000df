// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package watchfeed

import (
	"bytes"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/storage"
	"github.com/eyakubovich/etcd/pkg/util/retry"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

// ErrIndexReached is the terminal error of a bounded subscription that
// has delivered every event below its end index.
var ErrIndexReached = errors.New("watch end index reached")

// Stream receives the responses of subscriptions. Output goroutines of
// different subscriptions may call Send concurrently; implementations
// must be safe for concurrent use.
type Stream interface {
	// Context returns the stream's context, which is done once the
	// subscriber has gone away.
	Context() context.Context
	// Send delivers a response to the subscriber. It may block.
	Send(*kvpb.WatchResponse) error
}

// streamItem rides a subscription's buffer: a response to deliver, or
// a terminal error taking effect after everything ahead of it has been
// sent.
type streamItem struct {
	resp *kvpb.WatchResponse
	err  error
}

// registration is one subscription attached to the Processor. It
// watches [key, end), or the single key when end is empty.
//
// Responses pass through a buffered channel drained by the
// registration's output goroutine, so a slow subscriber never blocks
// the Processor. The output goroutine first acknowledges the
// subscription, then replays history from startIndex through the
// catch-up scan, then moves to the buffer. Events routed live always
// carry indexes above catchUpTo, so the two phases neither overlap nor
// leave a gap.
type registration struct {
	id             int64
	key, end       []byte
	startIndex     int64
	endIndex       int64 // 0 means unbounded
	progressNotify bool
	// catchUpTo is the newest index the catch-up scan covers. The
	// Processor goroutine sets it at admission.
	catchUpTo int64

	store   *storage.Store
	metrics *Metrics
	stream  Stream
	done    func(error)

	buf chan streamItem

	mu struct {
		syncutil.Mutex
		// disconnected marks the subscription torn down; publish drops
		// everything once set.
		disconnected bool
		// overflowed marks a full buffer. The output loop reports the
		// overrun once the buffer has drained.
		overflowed bool
		// terminalErr completes the subscription after the buffer has
		// drained.
		terminalErr error
		// caughtUp is set once the catch-up phase has finished.
		caughtUp           bool
		outputLoopCancelFn func()
	}
}

func newRegistration(
	id int64,
	key, end []byte,
	startIndex, endIndex int64,
	progressNotify bool,
	store *storage.Store,
	bufferCap int,
	metrics *Metrics,
	stream Stream,
	done func(error),
) *registration {
	return &registration{
		id:             id,
		key:            key,
		end:            end,
		startIndex:     startIndex,
		endIndex:       endIndex,
		progressNotify: progressNotify,
		store:          store,
		metrics:        metrics,
		stream:         stream,
		done:           done,
		buf:            make(chan streamItem, bufferCap),
	}
}

// containsKey returns whether the subscription watches the given key.
func (r *registration) containsKey(key []byte) bool {
	if len(r.end) == 0 {
		return bytes.Equal(r.key, key)
	}
	return bytes.Compare(r.key, key) <= 0 && bytes.Compare(key, r.end) < 0
}

// publish buffers a response for delivery. If the buffer is full the
// subscription is marked overflowed and everything from here on is
// dropped. Called only from the Processor goroutine.
func (r *registration) publish(item streamItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.disconnected || r.mu.overflowed || r.mu.terminalErr != nil {
		return
	}
	select {
	case r.buf <- item:
	default:
		r.mu.overflowed = true
		r.metrics.Overruns.Inc(1)
	}
}

// setTerminal completes the subscription with err once everything
// already buffered has been delivered. Called only from the Processor
// goroutine.
func (r *registration) setTerminal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.disconnected || r.mu.overflowed || r.mu.terminalErr != nil {
		return
	}
	r.mu.terminalErr = err
	select {
	case r.buf <- streamItem{err: err}:
	default:
		// Full buffer; the output loop picks the error up when the
		// buffer drains.
	}
}

// disconnect tears the subscription down with err, firing the done
// callback. The first call wins; later calls are no-ops.
func (r *registration) disconnect(err error) {
	r.mu.Lock()
	if r.mu.disconnected {
		r.mu.Unlock()
		return
	}
	r.mu.disconnected = true
	cancel := r.mu.outputLoopCancelFn
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.done(err)
}

// runOutputLoop runs the subscription's output loop and tears the
// subscription down with the loop's terminal error once it exits.
func (r *registration) runOutputLoop(ctx context.Context) {
	r.mu.Lock()
	if r.mu.disconnected {
		r.mu.Unlock()
		return
	}
	ctx, r.mu.outputLoopCancelFn = context.WithCancel(ctx)
	r.mu.Unlock()

	err := r.outputLoop(ctx)
	r.disconnect(err)
}

func (r *registration) outputLoop(ctx context.Context) error {
	// The creation acknowledgment precedes everything else on the
	// subscription.
	ack := &kvpb.WatchResponse{
		ResponseHeader: kvpb.ResponseHeader{Index: r.catchUpTo},
		WatchID:        r.id,
		Created:        true,
	}
	if err := r.stream.Send(ack); err != nil {
		return err
	}
	if err := r.maybeRunCatchUpScan(ctx); err != nil {
		return err
	}
	if r.endIndex > 0 && r.endIndex <= r.catchUpTo+1 {
		// Every index below endIndex has been delivered.
		return ErrIndexReached
	}
	r.setCaughtUp()

	for {
		r.mu.Lock()
		var term error
		if len(r.buf) == 0 {
			if r.mu.overflowed {
				term = kvpb.NewWatchOverrunError()
			} else {
				term = r.mu.terminalErr
			}
		}
		r.mu.Unlock()
		if term != nil {
			return term
		}

		select {
		case item := <-r.buf:
			if item.err != nil {
				return item.err
			}
			if err := r.stream.Send(item.resp); err != nil {
				return err
			}
			r.metrics.ResponsesSent.Inc(1)
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stream.Context().Done():
			return r.stream.Context().Err()
		}
	}
}

// maybeRunCatchUpScan replays history from startIndex through
// catchUpTo, one response per global index so subscribers see the same
// transaction grouping live routing produces.
func (r *registration) maybeRunCatchUpScan(ctx context.Context) error {
	if r.startIndex == 0 || r.startIndex > r.catchUpTo {
		return nil
	}
	start := timeutil.Now()
	defer func() {
		r.metrics.CatchUpScans.Inc(1)
		r.metrics.CatchUpScanNanos.Inc(timeutil.Since(start).Nanoseconds())
	}()

	to := r.catchUpTo
	if r.endIndex > 0 && r.endIndex-1 < to {
		to = r.endIndex - 1
	}
	events, err := r.store.ScanEvents(ctx, r.startIndex, to, r.key, r.end)
	if err != nil {
		return err
	}
	for len(events) > 0 {
		n := 1
		for n < len(events) && events[n].Index == events[0].Index {
			n++
		}
		resp := &kvpb.WatchResponse{
			ResponseHeader: kvpb.ResponseHeader{Index: events[0].Index},
			WatchID:        r.id,
			Events:         events[:n:n],
		}
		if err := r.stream.Send(resp); err != nil {
			return err
		}
		r.metrics.ResponsesSent.Inc(1)
		events = events[n:]
	}
	return nil
}

func (r *registration) setCaughtUp() {
	r.mu.Lock()
	r.mu.caughtUp = true
	r.mu.Unlock()
}

// waitForCaughtUp waits until the subscription has finished its
// catch-up phase and drained its buffer, or has been torn down.
func (r *registration) waitForCaughtUp() error {
	opts := retry.Options{
		InitialBackoff: 5 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     100 * time.Millisecond,
		MaxRetries:     50,
	}
	for re := retry.Start(opts); re.Next(); {
		r.mu.Lock()
		caughtUp := r.mu.disconnected || (len(r.buf) == 0 && r.mu.caughtUp)
		r.mu.Unlock()
		if caughtUp {
			return nil
		}
	}
	return errors.Errorf("subscription %d failed to empty in time", r.id)
}
