// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package watchfeed dispatches committed mutation events to range
// subscriptions.
//
// A single Processor goroutine owns the subscription registry and
// routes each committed transaction's events, in commit order, into
// per-subscription buffers. A dedicated output goroutine per
// subscription moves buffered responses to the subscriber's stream,
// running a catch-up scan over the store's history first when the
// subscription starts in the past. Subscribers that fail to drain
// their buffer are torn down with a WatchOverrunError rather than
// back-pressuring the apply path.
package watchfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/storage"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/stop"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

const (
	defaultEventChanCap     = 4096
	defaultBufferCap        = 1024
	defaultProgressInterval = 10 * time.Minute
)

// Config supplies a Processor's dependencies and tuning knobs.
type Config struct {
	log.AmbientContext
	Store   *storage.Store
	Stopper *stop.Stopper
	Metrics *Metrics

	// EventChanCap limits the committed batches in flight between the
	// apply path and the Processor goroutine.
	EventChanCap int
	// EventChanTimeout bounds how long Publish blocks on a full event
	// channel before tearing the Processor down. 0 for no timeout.
	EventChanTimeout time.Duration
	// BufferCap is the per-subscription buffer capacity. A subscription
	// that overflows its buffer is torn down with a WatchOverrunError.
	BufferCap int
	// ProgressInterval is the period of index progress notifications
	// for subscriptions that requested them. Negative disables them.
	ProgressInterval time.Duration
}

// SetDefaults initializes unset tuning knobs.
func (c *Config) SetDefaults() {
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.EventChanCap == 0 {
		c.EventChanCap = defaultEventChanCap
	}
	if c.BufferCap == 0 {
		c.BufferCap = defaultBufferCap
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = defaultProgressInterval
	}
}

// event is the unit of work handled by the Processor goroutine.
// Exactly one of its fields is set.
type event struct {
	batch    batchEvent
	sync     *syncEvent
	progress *progressEvent
}

// progressEvent asks for an immediate progress notification on the
// named subscriptions. Riding the event channel keeps it ordered
// behind every batch routed before the request.
type progressEvent struct {
	ids []int64
}

// batchEvent carries one committed transaction's events, all sharing
// the transaction's global index.
type batchEvent struct {
	index  int64
	events []kvpb.Event
}

// syncEvent establishes causality with the Processor goroutine: its
// channel closes once every event sent before it has been consumed.
type syncEvent struct {
	c chan struct{}
	// testRegCaughtUp also waits for every subscription's output loop
	// to drain its buffer.
	testRegCaughtUp bool
}

// Processor fans committed events out to subscriptions.
type Processor struct {
	Config
	reg registry

	// fullLogEvery rate-limits warnings about a saturated event
	// channel.
	fullLogEvery log.EveryN

	// index is the newest global index routed so far. Only the
	// Processor goroutine touches it.
	index int64

	regC     chan *registration
	unregC   chan *registration
	cancelC  chan int64
	lenReqC  chan struct{}
	lenResC  chan int
	eventC   chan event
	stopC    chan error
	stoppedC chan struct{}
}

// NewProcessor creates a Processor. Start must be called before use.
func NewProcessor(cfg Config) *Processor {
	cfg.SetDefaults()
	cfg.AmbientContext.AddLogTag("watchfeed", nil)
	return &Processor{
		Config: cfg,
		reg:    makeRegistry(cfg.Metrics),

		fullLogEvery: log.Every(time.Second),

		regC:     make(chan *registration),
		unregC:   make(chan *registration),
		cancelC:  make(chan int64),
		lenReqC:  make(chan struct{}),
		lenResC:  make(chan int),
		eventC:   make(chan event, cfg.EventChanCap),
		stopC:    make(chan error, 1),
		stoppedC: make(chan struct{}),
	}
}

// Start launches the Processor goroutine. The Processor picks up
// routing at the store's current global index.
func (p *Processor) Start() error {
	ctx := p.AnnotateCtx(context.Background())
	p.index = p.Store.Index()
	if err := p.Stopper.RunAsyncTask(ctx, "watchfeed.Processor", p.run); err != nil {
		p.reg.DisconnectAll(ctx, err)
		close(p.stoppedC)
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.stoppedC)
	ctx, cancelOutputLoops := context.WithCancel(ctx)
	defer cancelOutputLoops()

	var progressC <-chan time.Time
	if p.ProgressInterval > 0 {
		ticker := time.NewTicker(p.ProgressInterval)
		defer ticker.Stop()
		progressC = ticker.C
	}

	for {
		select {

		// Admit new subscriptions.
		case r := <-p.regC:
			// Everything routed so far is covered by the catch-up scan;
			// everything routed from here on reaches the buffer.
			r.catchUpTo = p.index
			p.reg.Register(ctx, r)

			runOutputLoop := func(ctx context.Context) {
				r.runOutputLoop(ctx)
				select {
				case p.unregC <- r:
				case <-p.stoppedC:
				}
			}
			if err := p.Stopper.RunAsyncTask(ctx, "watchfeed: output loop", runOutputLoop); err != nil {
				r.disconnect(err)
				p.reg.Unregister(ctx, r)
			}

		// Drop subscriptions whose output loop has finished.
		case r := <-p.unregC:
			p.reg.Unregister(ctx, r)

		// Tear down a subscription on the client's request.
		case id := <-p.cancelC:
			p.reg.Cancel(ctx, id)

		case <-p.lenReqC:
			p.lenResC <- p.reg.Len()

		// Route committed events.
		case e := <-p.eventC:
			p.consumeEvent(ctx, e)

		case <-progressC:
			p.reg.PublishProgress(ctx, p.index)

		// Close subscriptions and exit when signaled.
		case err := <-p.stopC:
			p.reg.DisconnectAll(ctx, err)
			return

		// Exit on stopper.
		case <-p.Stopper.ShouldQuiesce():
			p.reg.DisconnectAll(ctx, stop.ErrUnavailable)
			return
		}
	}
}

// Stop shuts down the Processor and closes all subscriptions. Safe to
// call on a nil Processor. A stopped Processor cannot be restarted.
func (p *Processor) Stop() {
	p.StopWithErr(nil)
}

// StopWithErr shuts down the Processor and closes all subscriptions
// with the given error. Safe to call on a nil Processor.
func (p *Processor) StopWithErr(err error) {
	if p == nil {
		return
	}
	// Flush any remaining events before stopping.
	p.syncEventC()
	p.sendStop(err)
}

func (p *Processor) sendStop(err error) {
	select {
	case p.stopC <- err:
		// stopC has capacity for one error; this only blocks if several
		// callers stop the Processor at once.
	case <-p.stoppedC:
		// Already stopped. Do nothing.
	}
}

// Register subscribes the stream to events for keys in [key, end), or
// for the single key when end is empty. Events with an index in
// [startIndex, endIndex) are delivered; startIndex 0 means "from the
// next mutation on", endIndex 0 leaves the subscription unbounded. The
// done callback fires exactly once when the subscription terminates:
// with nil for a client-requested cancellation, ErrIndexReached once a
// bounded subscription has delivered everything below its end index,
// or the error that tore the subscription down.
//
// Register returns false if the Processor has been stopped.
//
// Events committed before Register returns are covered by the catch-up
// scan; later events flow through the subscription's buffer. No event
// is delivered twice or dropped across that boundary.
func (p *Processor) Register(
	id int64,
	key, end []byte,
	startIndex, endIndex int64,
	progressNotify bool,
	stream Stream,
	done func(error),
) bool {
	// Flush the event pipeline so the subscription cannot observe an
	// event that was committed before this call through its buffer; it
	// sees those through the catch-up scan instead.
	p.syncEventC()

	r := newRegistration(
		id, key, end, startIndex, endIndex, progressNotify,
		p.Store, p.BufferCap, p.Metrics, stream, done,
	)
	select {
	case p.regC <- r:
		return true
	case <-p.stoppedC:
		return false
	}
}

// Cancel tears down the subscription with the given id, completing it
// with a nil error. Unknown ids are ignored.
func (p *Processor) Cancel(id int64) {
	select {
	case p.cancelC <- id:
	case <-p.stoppedC:
	}
}

// Len returns the number of active subscriptions. Safe to call on a
// nil Processor.
func (p *Processor) Len() int {
	if p == nil {
		return 0
	}
	// Ask the Processor goroutine.
	select {
	case p.lenReqC <- struct{}{}:
		return <-p.lenResC
	case <-p.stoppedC:
		return 0
	}
}

// Publish hands one committed transaction's events to the Processor.
// All events must carry the same global index, and calls must arrive
// in commit order. It returns false if the events could not be
// accepted and the Processor has been stopped. Safe to call on a nil
// Processor.
func (p *Processor) Publish(ctx context.Context, index int64, events []kvpb.Event) bool {
	if p == nil {
		return true
	}
	if len(events) == 0 {
		return true
	}
	return p.sendEvent(ctx, event{batch: batchEvent{index: index, events: events}}, p.EventChanTimeout)
}

// RequestProgress asks for an immediate progress notification on each
// of the named subscriptions. The notification is delivered through
// the subscription's buffer, so once the client observes it every
// event at or below the reported index has already been sent. Returns
// false if the Processor has been stopped. Safe to call on a nil
// Processor.
func (p *Processor) RequestProgress(ctx context.Context, ids []int64) bool {
	if p == nil {
		return true
	}
	if len(ids) == 0 {
		return true
	}
	return p.sendEvent(ctx, event{progress: &progressEvent{ids: ids}}, p.EventChanTimeout)
}

// sendEvent informs the Processor of a new event. If a timeout is
// specified, the method waits no longer than that before giving up,
// shutting down the Processor, and returning false.
func (p *Processor) sendEvent(ctx context.Context, e event, timeout time.Duration) bool {
	if timeout == 0 {
		select {
		case p.eventC <- e:
		case <-p.stoppedC:
			// Already stopped. Do nothing.
		case <-ctx.Done():
			p.sendStop(ctx.Err())
			return false
		}
		return true
	}
	select {
	case p.eventC <- e:
	case <-p.stoppedC:
		// Already stopped. Do nothing.
	default:
		// The channel is full. Wait for capacity, but bounded: the
		// apply path must not hang behind a seized dispatcher.
		if p.fullLogEvery.ShouldLog() {
			log.Warningf(ctx, "event channel full; waiting up to %s for capacity", timeout)
		}
		var t timeutil.Timer
		defer t.Stop()
		t.Reset(timeout)
		select {
		case p.eventC <- e:
		case <-p.stoppedC:
			// Already stopped. Do nothing.
		case <-t.C:
			t.Read = true
			p.sendStop(kvpb.NewWatchOverrunError())
			return false
		case <-ctx.Done():
			p.sendStop(ctx.Err())
			return false
		}
	}
	return true
}

// syncEventC establishes causality with the Processor goroutine by
// flushing the event pipeline.
func (p *Processor) syncEventC() {
	p.syncSendAndWait(&syncEvent{c: make(chan struct{})})
}

func (p *Processor) syncSendAndWait(se *syncEvent) {
	select {
	case p.eventC <- event{sync: se}:
		select {
		case <-se.c:
			// Synchronized.
		case <-p.stoppedC:
			// Already stopped. Do nothing.
		}
	case <-p.stoppedC:
		// Already stopped. Do nothing.
	}
}

func (p *Processor) consumeEvent(ctx context.Context, e event) {
	switch {
	case e.batch.events != nil:
		if e.batch.index <= p.index {
			log.Fatalf(ctx, "index regression: batch %d routed after %d", e.batch.index, p.index)
		}
		p.index = e.batch.index
		p.reg.PublishBatch(ctx, e.batch.index, e.batch.events)
	case e.progress != nil:
		p.reg.PublishProgressIDs(ctx, e.progress.ids, p.index)
	case e.sync != nil:
		if e.sync.testRegCaughtUp {
			if err := p.reg.waitForCaughtUp(); err != nil {
				log.Errorf(ctx, "error waiting for subscriptions to catch up: %v", err)
			}
		}
		close(e.sync.c)
	default:
		panic(fmt.Sprintf("missing event variant: %+v", e))
	}
}
