// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// CompactedError indicates that history at the requested index has
// been compacted away. The caller must resynchronize with a read at or
// above the compaction floor.
type CompactedError struct {
	// RequestedIndex is the index the caller asked for.
	RequestedIndex int64
	// CompactedIndex is the current compaction floor.
	CompactedIndex int64
}

// NewCompactedError initializes a new CompactedError.
func NewCompactedError(requested, compacted int64) *CompactedError {
	return &CompactedError{RequestedIndex: requested, CompactedIndex: compacted}
}

// Error implements the error interface.
func (e *CompactedError) Error() string {
	return redact.Sprint(e).StripMarkers()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e *CompactedError) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("required index %d has been compacted away at index %d",
		e.RequestedIndex, e.CompactedIndex)
}

var _ redact.SafeFormatter = &CompactedError{}

// IsCompacted returns whether err indicates compacted history.
func IsCompacted(err error) bool {
	return errors.HasType(err, (*CompactedError)(nil))
}

// FutureIndexError indicates a historical read at an index beyond the
// store's current global index.
type FutureIndexError struct {
	RequestedIndex int64
	CurrentIndex   int64
}

// NewFutureIndexError initializes a new FutureIndexError.
func NewFutureIndexError(requested, current int64) *FutureIndexError {
	return &FutureIndexError{RequestedIndex: requested, CurrentIndex: current}
}

// Error implements the error interface.
func (e *FutureIndexError) Error() string {
	return redact.Sprint(e).StripMarkers()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e *FutureIndexError) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("required index %d is ahead of the current index %d",
		e.RequestedIndex, e.CurrentIndex)
}

var _ redact.SafeFormatter = &FutureIndexError{}

// IsFutureIndex returns whether err indicates a read ahead of the
// current index.
func IsFutureIndex(err error) bool {
	return errors.HasType(err, (*FutureIndexError)(nil))
}

// WatchOverrunError indicates that a subscription's event buffer
// overflowed because the consumer could not keep up. The subscription
// is torn down; other subscriptions are unaffected.
type WatchOverrunError struct {
}

// NewWatchOverrunError initializes a new WatchOverrunError.
func NewWatchOverrunError() *WatchOverrunError {
	return &WatchOverrunError{}
}

// Error implements the error interface.
func (e *WatchOverrunError) Error() string {
	return redact.Sprint(e).StripMarkers()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e *WatchOverrunError) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("watch deliveries could not keep up with mutations; subscription torn down")
}

var _ redact.SafeFormatter = &WatchOverrunError{}

// IsWatchOverrun returns whether err indicates a torn-down
// subscription.
func IsWatchOverrun(err error) bool {
	return errors.HasType(err, (*WatchOverrunError)(nil))
}

// LeaseNotFoundError indicates an operation referencing a lease id
// that does not exist, never existed, or has already expired.
type LeaseNotFoundError struct {
	ID int64
}

// NewLeaseNotFoundError initializes a new LeaseNotFoundError.
func NewLeaseNotFoundError(id int64) *LeaseNotFoundError {
	return &LeaseNotFoundError{ID: id}
}

// Error implements the error interface.
func (e *LeaseNotFoundError) Error() string {
	return redact.Sprint(e).StripMarkers()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e *LeaseNotFoundError) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("lease %d not found", e.ID)
}

var _ redact.SafeFormatter = &LeaseNotFoundError{}

// IsLeaseNotFound returns whether err indicates a missing lease.
func IsLeaseNotFound(err error) bool {
	return errors.HasType(err, (*LeaseNotFoundError)(nil))
}

// InvalidArgumentError indicates a malformed request, rejected before
// consuming a global index.
type InvalidArgumentError struct {
	Reason string
}

// NewInvalidArgumentErrorf initializes a new InvalidArgumentError with
// a Printf-style reason.
func NewInvalidArgumentErrorf(format string, args ...interface{}) *InvalidArgumentError {
	return &InvalidArgumentError{Reason: redact.Sprintf(format, args...).StripMarkers()}
}

// Error implements the error interface.
func (e *InvalidArgumentError) Error() string {
	return redact.Sprint(e).StripMarkers()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e *InvalidArgumentError) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("invalid argument: %s", e.Reason)
}

var _ redact.SafeFormatter = &InvalidArgumentError{}

// IsInvalidArgument returns whether err indicates a malformed request.
func IsInvalidArgument(err error) bool {
	return errors.HasType(err, (*InvalidArgumentError)(nil))
}
