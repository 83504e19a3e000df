// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package kvpb defines the request and response messages understood by
// the key-value server, mirroring its RPC boundary. The package holds
// plain Go structs; transport framing and serialization live with the
// RPC layer, outside this repository's scope.
package kvpb

import "fmt"

// Method is the enumerated type for request methods.
type Method int

const (
	// Range reads live or historical versions for a span of keys.
	Range Method = iota
	// Put creates or updates a single key.
	Put
	// DeleteRange removes the live versions for a span of keys.
	DeleteRange
	// Txn evaluates guards and applies one of two operation lists.
	Txn
	// WatchRange subscribes to events for a span of keys.
	WatchRange
	// Compact prunes history below an index.
	Compact
	// LeaseCreate creates a new lease.
	LeaseCreate
	// LeaseRevoke revokes a lease, deleting its attached keys.
	LeaseRevoke
	// LeaseAttach attaches a key to a lease.
	LeaseAttach
	// LeaseTxn is Txn plus conditional lease attachments.
	LeaseTxn
	// LeaseKeepAlive refreshes a lease's deadline.
	LeaseKeepAlive
	// LeaseTimeToLive reads a lease's remaining lifetime.
	LeaseTimeToLive
	// LeaseLeases lists active leases.
	LeaseLeases
)

var methodNames = [...]string{
	Range:           "Range",
	Put:             "Put",
	DeleteRange:     "DeleteRange",
	Txn:             "Txn",
	WatchRange:      "WatchRange",
	Compact:         "Compact",
	LeaseCreate:     "LeaseCreate",
	LeaseRevoke:     "LeaseRevoke",
	LeaseAttach:     "LeaseAttach",
	LeaseTxn:        "LeaseTxn",
	LeaseKeepAlive:  "LeaseKeepAlive",
	LeaseTimeToLive: "LeaseTimeToLive",
	LeaseLeases:     "LeaseLeases",
}

// String implements fmt.Stringer.
func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// ResponseHeader is embedded in all responses.
type ResponseHeader struct {
	// Index is the global index of the store when the response was
	// generated.
	Index int64
	// Error is non-empty iff the operation was rejected. The caller's
	// request had no effect in that case, except where a method's
	// documentation says otherwise.
	Error string
}

// Header returns the response header.
func (rh *ResponseHeader) Header() *ResponseHeader {
	return rh
}

// Request is an interface providing polymorphic access to the requests
// admissible inside a transaction's operation lists.
type Request interface {
	// Method returns the request method.
	Method() Method
}

// Response is an interface providing polymorphic access to the
// responses produced by transaction sub-operations.
type Response interface {
	// Header returns the embedded response header.
	Header() *ResponseHeader
}

// RangeRequest reads keys in the span [Key, RangeEnd). An empty
// RangeEnd reads the single key Key.
type RangeRequest struct {
	// Key is the first key of the span.
	Key []byte
	// RangeEnd is the exclusive end of the span, or empty for a point
	// read.
	RangeEnd []byte
	// Limit bounds the number of returned versions; 0 means unlimited.
	Limit int64
	// Index requests a read of the state as of a historical global
	// index. 0 reads the current state.
	Index int64
	// CountOnly requests only the count of keys in the span.
	CountOnly bool
	// KeysOnly strips values from the returned versions.
	KeysOnly bool
}

// Method implements the Request interface.
func (*RangeRequest) Method() Method { return Range }

// RangeResponse is the response to a RangeRequest.
type RangeResponse struct {
	ResponseHeader
	// Kvs holds the matching live (or, for historical reads, then-live)
	// versions in key order, at most Limit of them.
	Kvs []KeyValue
	// More indicates that the span holds more keys than returned.
	More bool
	// Count is the total number of keys in the span, ignoring Limit.
	Count int64
}

// PutRequest creates or updates a single key.
type PutRequest struct {
	Key   []byte
	Value []byte
}

// Method implements the Request interface.
func (*PutRequest) Method() Method { return Put }

// PutResponse is the response to a PutRequest.
type PutResponse struct {
	ResponseHeader
}

// DeleteRangeRequest removes the live versions of all keys in
// [Key, RangeEnd). An empty RangeEnd deletes the single key Key.
type DeleteRangeRequest struct {
	Key      []byte
	RangeEnd []byte
}

// Method implements the Request interface.
func (*DeleteRangeRequest) Method() Method { return DeleteRange }

// DeleteRangeResponse is the response to a DeleteRangeRequest.
type DeleteRangeResponse struct {
	ResponseHeader
	// Deleted is the number of keys removed.
	Deleted int64
}

// TxnRequest evaluates the guards in Compare against the current live
// state and atomically applies Success if all hold, Failure otherwise.
// The whole transaction consumes at most one global index value,
// shared by every event it produces.
type TxnRequest struct {
	Compare []Compare
	Success []RequestUnion
	Failure []RequestUnion
}

// TxnResponse is the response to a TxnRequest.
type TxnResponse struct {
	ResponseHeader
	// Succeeded reports whether every guard held and Success was
	// applied.
	Succeeded bool
	// Responses holds one response per applied sub-operation, in
	// order.
	Responses []ResponseUnion
}

// RequestUnion is a container for exactly one of the request variants
// admissible inside a transaction.
type RequestUnion struct {
	Range       *RangeRequest
	Put         *PutRequest
	DeleteRange *DeleteRangeRequest
}

// GetInner returns the contained request, or nil if the union is
// empty.
func (ru RequestUnion) GetInner() Request {
	switch {
	case ru.Range != nil:
		return ru.Range
	case ru.Put != nil:
		return ru.Put
	case ru.DeleteRange != nil:
		return ru.DeleteRange
	default:
		return nil
	}
}

// SetInner sets the union to hold the given request, returning false
// if the request type is not admissible.
func (ru *RequestUnion) SetInner(req Request) bool {
	*ru = RequestUnion{}
	switch t := req.(type) {
	case *RangeRequest:
		ru.Range = t
	case *PutRequest:
		ru.Put = t
	case *DeleteRangeRequest:
		ru.DeleteRange = t
	default:
		return false
	}
	return true
}

// MustSetInner is like SetInner, but panics on inadmissible requests.
func (ru *RequestUnion) MustSetInner(req Request) {
	if !ru.SetInner(req) {
		panic(fmt.Sprintf("%T is not admissible in a RequestUnion", req))
	}
}

// ResponseUnion is a container for exactly one of the response
// variants produced by transaction sub-operations.
type ResponseUnion struct {
	Range       *RangeResponse
	Put         *PutResponse
	DeleteRange *DeleteRangeResponse
}

// GetInner returns the contained response, or nil if the union is
// empty.
func (ru ResponseUnion) GetInner() Response {
	switch {
	case ru.Range != nil:
		return ru.Range
	case ru.Put != nil:
		return ru.Put
	case ru.DeleteRange != nil:
		return ru.DeleteRange
	default:
		return nil
	}
}

// SetInner sets the union to hold the given response, returning false
// if the response type is not admissible.
func (ru *ResponseUnion) SetInner(reply Response) bool {
	*ru = ResponseUnion{}
	switch t := reply.(type) {
	case *RangeResponse:
		ru.Range = t
	case *PutResponse:
		ru.Put = t
	case *DeleteRangeResponse:
		ru.DeleteRange = t
	default:
		return false
	}
	return true
}

// MustSetInner is like SetInner, but panics on inadmissible responses.
func (ru *ResponseUnion) MustSetInner(reply Response) {
	if !ru.SetInner(reply) {
		panic(fmt.Sprintf("%T is not admissible in a ResponseUnion", reply))
	}
}

// CompactRequest prunes all versions with mod index below Index,
// except the latest version at or before Index of each key, which is
// retained so reads at indices >= Index stay answerable.
type CompactRequest struct {
	Index int64
}

// Method implements the Request interface.
func (*CompactRequest) Method() Method { return Compact }

// CompactResponse is the response to a CompactRequest.
type CompactResponse struct {
	ResponseHeader
}

// WatchRequest is a client message on a WatchRange stream. Exactly one
// of the fields is set.
type WatchRequest struct {
	Create   *WatchCreate
	Cancel   *WatchCancel
	Progress *WatchProgress
}

// WatchCreate registers a new subscription on the stream.
type WatchCreate struct {
	// Key is the first key of the watched span.
	Key []byte
	// RangeEnd is the exclusive end of the watched span, or empty to
	// watch the single key Key.
	RangeEnd []byte
	// StartIndex is the inclusive global index to watch from. Events
	// with smaller indices are replayed from history first. 0 means
	// "from the next mutation".
	StartIndex int64
	// EndIndex, if nonzero, ends the subscription before delivering
	// any event with index >= EndIndex.
	EndIndex int64
	// ProgressNotify requests periodic empty responses carrying the
	// current global index when no matching events occur.
	ProgressNotify bool
}

// Method implements the Request interface.
func (*WatchCreate) Method() Method { return WatchRange }

// WatchCancel cancels the subscription with the given id. Canceling an
// unknown or already-terminated subscription is a no-op.
type WatchCancel struct {
	WatchID int64
}

// WatchProgress requests an immediate progress notification on every
// subscription of the stream.
type WatchProgress struct {
}

// WatchResponse is a server message on a WatchRange stream.
type WatchResponse struct {
	ResponseHeader
	// WatchID identifies the subscription this response belongs to.
	WatchID int64
	// Created is set on the first response of a subscription.
	Created bool
	// Canceled is set on the last response of a subscription. No
	// further responses for WatchID follow.
	Canceled bool
	// CancelReason, when Canceled is set, says why.
	CancelReason string
	// CompactIndex is set when the subscription was canceled because
	// its start index was below the compaction floor. The client must
	// resynchronize with a range read at or above this index.
	CompactIndex int64
	// Events holds the matching events in ascending index order. Empty
	// for progress notifications.
	Events []Event
}

// LeaseCreateRequest creates a lease with the given TTL in seconds.
type LeaseCreateRequest struct {
	// TTL is the requested time-to-live in seconds. TTLs below the
	// server minimum are raised to it; the granted TTL is returned.
	TTL int64
}

// Method implements the Request interface.
func (*LeaseCreateRequest) Method() Method { return LeaseCreate }

// LeaseCreateResponse is the response to a LeaseCreateRequest.
type LeaseCreateResponse struct {
	ResponseHeader
	// ID is the server-assigned lease id.
	ID int64
	// TTL is the granted time-to-live in seconds.
	TTL int64
}

// LeaseRevokeRequest revokes a lease. All attached keys are deleted,
// producing one DELETE event each.
type LeaseRevokeRequest struct {
	ID int64
}

// Method implements the Request interface.
func (*LeaseRevokeRequest) Method() Method { return LeaseRevoke }

// LeaseRevokeResponse is the response to a LeaseRevokeRequest.
type LeaseRevokeResponse struct {
	ResponseHeader
}

// LeaseAttachRequest attaches a key to a lease. A key attached to
// another lease is detached from it first.
type LeaseAttachRequest struct {
	ID  int64
	Key []byte
}

// Method implements the Request interface.
func (*LeaseAttachRequest) Method() Method { return LeaseAttach }

// LeaseAttachResponse is the response to a LeaseAttachRequest.
type LeaseAttachResponse struct {
	ResponseHeader
}

// LeaseTxnRequest is a TxnRequest with lease attachments contingent on
// the transaction's outcome: SuccessAttach is applied after the
// Success list, FailureAttach after the Failure list.
type LeaseTxnRequest struct {
	Txn           TxnRequest
	SuccessAttach []LeaseAttachRequest
	FailureAttach []LeaseAttachRequest
}

// Method implements the Request interface.
func (*LeaseTxnRequest) Method() Method { return LeaseTxn }

// LeaseTxnResponse is the response to a LeaseTxnRequest.
type LeaseTxnResponse struct {
	ResponseHeader
	// Succeeded reports whether every guard held.
	Succeeded bool
	// Responses holds one response per applied sub-operation.
	Responses []ResponseUnion
}

// LeaseKeepAliveRequest refreshes a lease's deadline to now + TTL.
type LeaseKeepAliveRequest struct {
	ID int64
}

// Method implements the Request interface.
func (*LeaseKeepAliveRequest) Method() Method { return LeaseKeepAlive }

// LeaseKeepAliveResponse is the response to a LeaseKeepAliveRequest.
type LeaseKeepAliveResponse struct {
	ResponseHeader
	ID int64
	// TTL is the lease's time-to-live in seconds after the refresh.
	TTL int64
}

// LeaseTimeToLiveRequest reads a lease's remaining lifetime.
type LeaseTimeToLiveRequest struct {
	ID int64
	// Keys requests the lease's attached keys in the response.
	Keys bool
}

// Method implements the Request interface.
func (*LeaseTimeToLiveRequest) Method() Method { return LeaseTimeToLive }

// LeaseTimeToLiveResponse is the response to a LeaseTimeToLiveRequest.
type LeaseTimeToLiveResponse struct {
	ResponseHeader
	ID int64
	// TTL is the remaining time-to-live in seconds.
	TTL int64
	// GrantedTTL is the TTL originally granted at creation or last
	// keep-alive adjustment.
	GrantedTTL int64
	// Keys holds the attached keys if requested.
	Keys [][]byte
}

// LeaseLeasesRequest lists active leases.
type LeaseLeasesRequest struct {
}

// Method implements the Request interface.
func (*LeaseLeasesRequest) Method() Method { return LeaseLeases }

// LeaseStatus describes one active lease.
type LeaseStatus struct {
	ID int64
}

// LeaseLeasesResponse is the response to a LeaseLeasesRequest.
type LeaseLeasesResponse struct {
	ResponseHeader
	Leases []LeaseStatus
}
