// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import "fmt"

// revision identifies a single mutation within the store's history.
//
// main is the global index of the operation that performed the
// mutation. sub orders the mutations applied by a single transaction,
// all of which share one main value. A bare put or delete-range is a
// transaction with a single operation list, so its mutations carry
// sub values 0, 1, 2, ...
type revision struct {
	main int64
	sub  int64
}

// Less returns whether a orders before b.
func (a revision) Less(b revision) bool {
	if a.main != b.main {
		return a.main < b.main
	}
	return a.sub < b.sub
}

func (a revision) String() string {
	return fmt.Sprintf("%d.%d", a.main, a.sub)
}
