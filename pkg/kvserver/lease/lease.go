// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package lease implements time-bounded key grouping. Every lease
// carries a TTL-derived deadline and a set of attached keys; when the
// deadline passes, or the lease is explicitly revoked, the attached
// keys are deleted through the same serialized apply path as client
// mutations, so the deletions consume a global index and reach watch
// subscriptions like any other write.
//
// Expiry is driven by a hashed timing wheel. Each lease arms a wheel
// timer for its deadline; firings are handed to a single coordinator
// goroutine which re-checks the deadline under the manager's lock
// before acting, so a keep-alive that moved the deadline after the
// timer was armed keeps the lease alive and the firing is discarded.
// A lease is removed from the tables before its keys are deleted,
// which makes expiry and revocation exactly-once under any
// interleaving of timers, keep-alives, and revokes.
package lease

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/stop"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

const (
	// DefaultMinTTL is the lowest TTL the manager grants. Requests below
	// it are raised to it and the granted TTL is returned to the caller.
	DefaultMinTTL = 2 * time.Second

	// defaultTick is the expiry wheel's granularity. Deadlines are only
	// as precise as one tick.
	defaultTick = time.Second

	// defaultWheelSize is the number of buckets per wheel level.
	defaultWheelSize = 512

	// expiredChanCap bounds the handoff between wheel firings and the
	// coordinator.
	expiredChanCap = 64
)

// Config supplies a Manager's collaborators and tunables.
type Config struct {
	log.AmbientContext

	Stopper *stop.Stopper
	Metrics *Metrics

	// DeleteAttached removes a dead lease's keys through the serialized
	// apply path as one atomic batch, emitting an event of the given
	// type for each key that still exists. Called without internal
	// locks held.
	DeleteAttached func(ctx context.Context, keys [][]byte, typ kvpb.EventType) error

	// MinTTL overrides DefaultMinTTL when positive.
	MinTTL time.Duration
	// Tick overrides defaultTick when positive.
	Tick time.Duration
	// WheelSize overrides defaultWheelSize when positive.
	WheelSize int64
}

// SetDefaults fills in the default values for unset fields.
func (c *Config) SetDefaults() {
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.MinTTL == 0 {
		c.MinTTL = DefaultMinTTL
	}
	if c.Tick == 0 {
		c.Tick = defaultTick
	}
	if c.WheelSize == 0 {
		c.WheelSize = defaultWheelSize
	}
}

// Status is a point-in-time view of one lease.
type Status struct {
	ID int64
	// Remaining is the time left until the deadline, clamped at zero.
	Remaining time.Duration
	// Granted is the TTL applied at creation and restored by every
	// keep-alive.
	Granted time.Duration
	// Keys holds the attached keys in sorted order, if requested.
	Keys [][]byte
}

type lease struct {
	id       int64
	ttl      time.Duration
	deadline time.Time
	keys     map[string]struct{}
	timer    *timingwheel.Timer
}

func (l *lease) sortedKeys() [][]byte {
	keys := make([][]byte, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	return keys
}

// Manager owns every lease. Lease ids are assigned by the manager,
// positive and monotonically increasing. A key is attached to at most
// one lease at a time; attaching it elsewhere detaches it first.
type Manager struct {
	Config
	wheel    *timingwheel.TimingWheel
	expiredC chan int64

	mu struct {
		syncutil.Mutex
		nextID int64
		leases map[int64]*lease
		items  map[string]*lease
	}
}

// NewManager returns a Manager configured with cfg. Start must be
// called before leases can expire.
func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	cfg.AmbientContext.AddLogTag("lease", nil)
	m := &Manager{
		Config:   cfg,
		wheel:    timingwheel.NewTimingWheel(cfg.Tick, cfg.WheelSize),
		expiredC: make(chan int64, expiredChanCap),
	}
	m.mu.nextID = 1
	m.mu.leases = make(map[int64]*lease)
	m.mu.items = make(map[string]*lease)
	return m
}

// Start launches the expiry wheel and the coordinator goroutine that
// feeds expired leases into the apply path. The wheel is torn down
// when the Stopper stops.
func (m *Manager) Start() error {
	ctx := m.AnnotateCtx(context.Background())
	go m.wheel.Start()
	m.Stopper.AddCloser(stop.CloserFn(m.wheel.Stop))
	return m.Stopper.RunAsyncTask(ctx, "lease.Manager: coordinator", func(ctx context.Context) {
		for {
			select {
			case id := <-m.expiredC:
				m.expireLease(ctx, id)
			case <-m.Stopper.ShouldQuiesce():
				return
			}
		}
	})
}

// Create grants a new lease with the given TTL, raised to the
// configured minimum if below it. It returns the lease id and the
// granted TTL.
func (m *Manager) Create(ctx context.Context, ttl time.Duration) (int64, time.Duration, error) {
	if ttl < 0 {
		return 0, 0, kvpb.NewInvalidArgumentErrorf("lease TTL must not be negative")
	}
	if ttl < m.MinTTL {
		ttl = m.MinTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.mu.nextID
	m.mu.nextID++
	l := &lease{
		id:       id,
		ttl:      ttl,
		deadline: timeutil.Now().Add(ttl),
		keys:     make(map[string]struct{}),
	}
	l.timer = m.wheel.AfterFunc(ttl, m.fire(id))
	m.mu.leases[id] = l
	m.Metrics.Grants.Inc(1)
	m.Metrics.Active.Update(int64(len(m.mu.leases)))
	log.VInfof(ctx, 2, "granted lease %d with TTL %s", id, ttl)
	return id, ttl, nil
}

// Attach attaches key to the lease. A key attached to another lease is
// detached from it first; re-attaching to the same lease is a no-op.
func (m *Manager) Attach(ctx context.Context, id int64, key []byte) error {
	if len(key) == 0 {
		return kvpb.NewInvalidArgumentErrorf("attach requires a key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.mu.leases[id]
	if !ok {
		return kvpb.NewLeaseNotFoundError(id)
	}
	k := string(key)
	if prev, ok := m.mu.items[k]; ok {
		if prev == l {
			return nil
		}
		delete(prev.keys, k)
	} else {
		m.Metrics.AttachedKeys.Inc(1)
	}
	l.keys[k] = struct{}{}
	m.mu.items[k] = l
	return nil
}

// KeepAlive moves the lease's deadline to now plus its granted TTL and
// returns the granted TTL.
func (m *Manager) KeepAlive(ctx context.Context, id int64) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.mu.leases[id]
	if !ok {
		return 0, kvpb.NewLeaseNotFoundError(id)
	}
	l.deadline = timeutil.Now().Add(l.ttl)
	// The old timer may already have fired or be unstoppable; the
	// deadline check in expireLease discards such firings.
	l.timer.Stop()
	l.timer = m.wheel.AfterFunc(l.ttl, m.fire(id))
	m.Metrics.KeepAlives.Inc(1)
	return l.ttl, nil
}

// Revoke removes the lease and deletes its attached keys through the
// apply path with DELETE events.
func (m *Manager) Revoke(ctx context.Context, id int64) error {
	m.mu.Lock()
	l, ok := m.mu.leases[id]
	if !ok {
		m.mu.Unlock()
		return kvpb.NewLeaseNotFoundError(id)
	}
	m.removeLocked(l)
	keys := l.sortedKeys()
	m.mu.Unlock()

	m.Metrics.Revocations.Inc(1)
	log.VInfof(ctx, 1, "revoked lease %d, deleting %d attached keys", id, len(keys))
	return m.deleteAttached(ctx, id, keys, kvpb.EventDelete)
}

// TimeToLive reports the lease's remaining lifetime, its granted TTL,
// and, if withKeys is set, its attached keys.
func (m *Manager) TimeToLive(ctx context.Context, id int64, withKeys bool) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.mu.leases[id]
	if !ok {
		return Status{}, kvpb.NewLeaseNotFoundError(id)
	}
	st := Status{
		ID:        id,
		Remaining: timeutil.Until(l.deadline),
		Granted:   l.ttl,
	}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if withKeys {
		st.Keys = l.sortedKeys()
	}
	return st, nil
}

// Leases returns the ids of all live leases in ascending order.
func (m *Manager) Leases() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.mu.leases))
	for id := range m.mu.leases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fire returns the wheel callback for the lease. It hands the firing
// to the coordinator; the deadline is re-checked there.
func (m *Manager) fire(id int64) func() {
	return func() {
		select {
		case m.expiredC <- id:
		case <-m.Stopper.ShouldQuiesce():
		}
	}
}

// expireLease runs on the coordinator goroutine for every wheel
// firing.
func (m *Manager) expireLease(ctx context.Context, id int64) {
	m.mu.Lock()
	l, ok := m.mu.leases[id]
	if !ok {
		// Already revoked or expired.
		m.mu.Unlock()
		return
	}
	if l.deadline.After(timeutil.Now()) {
		// A keep-alive moved the deadline after this timer was armed.
		// The refresh armed its own timer, so this firing is stale.
		m.mu.Unlock()
		return
	}
	m.removeLocked(l)
	keys := l.sortedKeys()
	m.mu.Unlock()

	m.Metrics.Expirations.Inc(1)
	log.VInfof(ctx, 1, "lease %d expired, deleting %d attached keys", id, len(keys))
	_ = m.deleteAttached(ctx, id, keys, kvpb.EventExpire)
}

// removeLocked takes the lease out of the tables and disarms its
// timer. The caller deletes the attached keys after releasing the
// lock; holding it across the apply path could deadlock with
// attachments arriving from an applying transaction.
func (m *Manager) removeLocked(l *lease) {
	m.mu.AssertHeld()
	delete(m.mu.leases, l.id)
	for k := range l.keys {
		delete(m.mu.items, k)
	}
	l.timer.Stop()
	m.Metrics.Active.Update(int64(len(m.mu.leases)))
	m.Metrics.AttachedKeys.Dec(int64(len(l.keys)))
}

func (m *Manager) deleteAttached(
	ctx context.Context, id int64, keys [][]byte, typ kvpb.EventType,
) error {
	if len(keys) == 0 {
		return nil
	}
	m.Metrics.ExpiredKeys.Inc(int64(len(keys)))
	if err := m.DeleteAttached(ctx, keys, typ); err != nil {
		log.Errorf(ctx, "failed to delete keys of lease %d: %v", id, err)
		return err
	}
	return nil
}
