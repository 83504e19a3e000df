// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package testutils

import (
	"testing"
	"time"

	"github.com/eyakubovich/etcd/pkg/util/retry"
)

// DefaultSucceedsSoonDuration is the maximum amount of time unittests
// will wait for a condition to become true. See SucceedsSoon().
const DefaultSucceedsSoonDuration = 45 * time.Second

// SucceedsSoon fails the test (with t.Fatal) unless the supplied
// function runs without error within a preset maximum duration. The
// function is invoked immediately at first and then successively with
// an exponential backoff starting at 1ns and ending at the maximum
// duration (currently 45s).
func SucceedsSoon(t testing.TB, fn func() error) {
	t.Helper()
	SucceedsWithin(t, fn, DefaultSucceedsSoonDuration)
}

// SucceedsWithin fails the test (with t.Fatal) unless the supplied
// function runs without error within the given duration. The function
// is invoked immediately at first and then successively with an
// exponential backoff starting at 1ns and ending at the given duration.
func SucceedsWithin(t testing.TB, fn func() error, duration time.Duration) {
	t.Helper()
	if err := retry.ForDuration(duration, fn); err != nil {
		t.Fatalf("condition failed to evaluate within %s: %s", duration, err)
	}
}
