// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// The Timer type represents a single event. When the Timer expires, the
// current time will be sent on Timer.C.
//
// This timer implementation is an abstraction around the standard
// library's time.Timer that uses a pool of stopped timers to reduce
// allocations.
//
// Note that unlike the standard library's Timer type, this Timer will
// not begin counting down until Reset is called for the first time, as
// there is no constructor function. The zero value for Timer is ready
// to use.
//
// Users of Timer must set Read to true after reading from Timer.C, so
// that a subsequent Reset can decide whether the channel still needs to
// be drained.
type Timer struct {
	timer *time.Timer
	// C is a local "copy" of timer.C that can be used in a select case
	// before the timer has been initialized (via Reset).
	C    <-chan time.Time
	Read bool
}

// Reset changes the timer to expire after duration d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		switch timer := timerPool.Get(); timer {
		case nil:
			t.timer = time.NewTimer(d)
		default:
			t.timer = timer.(*time.Timer)
			t.timer.Reset(d)
		}
		t.C = t.timer.C
		return
	}
	if !t.timer.Stop() && !t.Read {
		<-t.C
	}
	t.timer.Reset(d)
	t.Read = false
}

// Stop prevents the Timer from firing. It returns true if the call
// stops the timer, false if the timer has already expired, been stopped
// previously, or had never been initialized with a call to Timer.Reset.
// Stop does not close the channel, to prevent a read from succeeding
// incorrectly.
func (t *Timer) Stop() bool {
	var res bool
	if t.timer != nil {
		res = t.timer.Stop()
		if res {
			timerPool.Put(t.timer)
		}
	}
	*t = Timer{}
	return res
}
