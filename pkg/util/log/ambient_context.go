// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"context"

	"github.com/cockroachdb/logtags"
)

// AmbientContext is a helper type used to "annotate" context.Contexts
// with log tags reflecting the environment in which a component
// operates. A component carrying an AmbientContext annotates the
// contexts of all the operations it executes with its tags.
//
// Example:
//   type Lessor struct {
//     ambientCtx log.AmbientContext
//     ...
//   }
//   func (l *Lessor) process() {
//     ctx := l.ambientCtx.AnnotateCtx(context.Background())
//     ...
//   }
type AmbientContext struct {
	// tags are the log tags applied to every context annotated by this
	// AmbientContext.
	tags *logtags.Buffer

	// Cached annotated version of context.Background(), to avoid
	// annotating these contexts repeatedly.
	backgroundCtx context.Context
}

// MakeAmbientContext creates an AmbientContext with the given initial
// tag.
func MakeAmbientContext(name string, value interface{}) AmbientContext {
	ac := AmbientContext{}
	ac.AddLogTag(name, value)
	return ac
}

// AddLogTag adds a tag; see logtags.Buffer.Add().
func (ac *AmbientContext) AddLogTag(name string, value interface{}) {
	ac.tags = ac.tags.Add(name, value)
	ac.refreshCache()
}

func (ac *AmbientContext) refreshCache() {
	ac.backgroundCtx = ac.annotateCtxInternal(context.Background())
}

// AnnotateCtx annotates a given context with this AmbientContext's log
// tags.
//
// For background operations, context.Background() should be passed;
// AnnotateCtx will return the same annotated context on every call so
// the annotation is not recomputed.
func (ac *AmbientContext) AnnotateCtx(ctx context.Context) context.Context {
	switch ctx {
	case context.TODO(), context.Background():
		if ac.backgroundCtx != nil {
			return ac.backgroundCtx
		}
		return ctx
	default:
		return ac.annotateCtxInternal(ctx)
	}
}

func (ac *AmbientContext) annotateCtxInternal(ctx context.Context) context.Context {
	if ac.tags != nil {
		ctx = logtags.AddTags(ctx, ac.tags)
	}
	return ctx
}
