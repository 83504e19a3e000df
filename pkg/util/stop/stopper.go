// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
)

// ErrUnavailable indicates that the server is quiescing and is unable
// to start new tasks.
var ErrUnavailable = errors.New("server is quiescing")

// Closer is an interface for objects to attach to the stopper to be
// closed once the stopper completes.
type Closer interface {
	Close()
}

// CloserFn is type that allows any function to be a Closer.
type CloserFn func()

// Close implements the Closer interface.
func (f CloserFn) Close() {
	f()
}

// A Stopper provides control over the lifecycle of goroutines started
// through it via its RunTask and RunAsyncTask methods.
//
// When Stop is invoked, the Stopper
//
//   - it invokes Quiesce, which causes the Stopper to refuse new work
//     (that is, its Run* family of methods starts returning
//     ErrUnavailable), closes the channel returned by ShouldQuiesce,
//     and blocks until until no more tasks are tracked, then
//   - it runs all of the methods supplied to AddCloser, then
//   - closes the IsStopped channel.
//
// When ErrUnavailable is returned from a task, the caller needs to
// handle it appropriately by terminating any work that it had hoped to
// defer to the task.
type Stopper struct {
	quiescer chan struct{} // Closed when quiescing
	stopped  chan struct{} // Closed when stopped completely

	mu struct {
		syncutil.Mutex
		// quiesce is a condition variable signaled when the number of
		// tasks drops to zero or quiescing begins.
		quiesce   *sync.Cond
		quiescing bool
		numTasks  int
		closers   []Closer
		// cancels the contexts handed out by WithCancelOnQuiesce.
		cancels []func()
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	s := &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.mu.quiesce = sync.NewCond(&s.mu)
	return s
}

// RunTask adds one to the count of tasks left to quiesce in the system.
// Any worker which is a "first mover" when starting tasks must call
// this method before starting work on a new task.
//
// taskName is used as the "operation" field of the span opened for this
// task and is visible in traces. It's also part of reports printed by
// stoppers when they are told to print their state.
func (s *Stopper) RunTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	defer s.runPostlude()
	f(ctx)
	return nil
}

// RunAsyncTask is like RunTask, except the callback f is run in a
// goroutine. The call to f is not at all delayed by the lifetime of the
// caller.
func (s *Stopper) RunAsyncTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	go func() {
		defer s.runPostlude()
		f(ctx)
	}()
	return nil
}

func (s *Stopper) runPrelude() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return false
	}
	s.mu.numTasks++
	return true
}

func (s *Stopper) runPostlude() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.numTasks--
	s.mu.quiesce.Broadcast()
}

// NumTasks returns the number of active tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// AddCloser adds an object to close after the stopper has been stopped.
//
// WARNING: memory resources acquired by this method will stay around
// for the lifetime of the Stopper. Use with care to avoid leaking
// memory.
func (s *Stopper) AddCloser(c Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
		// Close immediately. Stopper is already stopped.
		c.Close()
	default:
		s.mu.closers = append(s.mu.closers, c)
	}
}

// WithCancelOnQuiesce returns a child context which is canceled when
// Quiesce is called. The returned cancel function should be called to
// release resources once the context is no longer needed.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		cancel()
		return ctx, func() {}
	}
	s.mu.cancels = append(s.mu.cancels, cancel)
	return ctx, cancel
}

// ShouldQuiesce returns a channel which will be closed when Stop has
// been invoked and outstanding tasks should begin to quiesce.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	if s == nil {
		// A nil stopper will never signal ShouldQuiesce, but will also
		// never panic.
		return nil
	}
	return s.quiescer
}

// IsStopped returns a channel which will be closed after Stop has been
// invoked to full completion, meaning all workers have completed and
// all closers have been closed.
func (s *Stopper) IsStopped() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.stopped
}

// Quiesce moves the stopper to state quiescing and waits until all
// tasks complete. This is used from Stop() and unittests.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
		for _, cancel := range s.mu.cancels {
			cancel()
		}
		s.mu.cancels = nil
	}
	for s.mu.numTasks > 0 {
		log.Infof(ctx, "quiescing; tasks left: %d", s.mu.numTasks)
		s.mu.quiesce.Wait()
	}
}

// Stop signals all live workers to stop and then waits for each to
// confirm it has stopped.
func (s *Stopper) Stop(ctx context.Context) {
	defer close(s.stopped)

	s.Quiesce(ctx)
	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
}
