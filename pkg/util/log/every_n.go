// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"time"

	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

// EveryN provides a way to rate limit spammy log messages. It tracks
// how recently a given log message has been emitted so that it can
// determine whether it's worth logging again.
type EveryN struct {
	// N is the minimum duration of time between log messages.
	N time.Duration

	syncutil.Mutex
	lastLog time.Time
}

// Every is a convenience constructor for an EveryN object that allows
// a log message every n duration.
func Every(n time.Duration) EveryN {
	return EveryN{N: n}
}

// ShouldLog returns whether it's been more than N time since the last
// event.
func (e *EveryN) ShouldLog() bool {
	return e.shouldLog(timeutil.Now())
}

func (e *EveryN) shouldLog(now time.Time) bool {
	if V(2) {
		// Always log when high verbosity is desired.
		return true
	}
	var shouldLog bool
	e.Lock()
	if now.Sub(e.lastLog) >= e.N {
		shouldLog = true
		e.lastLog = now
	}
	e.Unlock()
	return shouldLog
}
