// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvpb

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/redact"
)

// KeyValue is a single live or historical version of a key.
type KeyValue struct {
	// Key is the key in bytes. An empty key is not allowed.
	Key []byte
	// CreateIndex is the global index at which the key was created, or
	// last re-created after a deletion.
	CreateIndex int64
	// ModIndex is the global index of the mutation that produced this
	// version.
	ModIndex int64
	// Version is the per-key version counter. It starts at 1 on
	// creation, increases with each put, and resets when the key is
	// deleted.
	Version int64
	// Value is the value held by the key.
	Value []byte
}

// Equal returns whether the receiver and the given KeyValue are
// identical.
func (kv KeyValue) Equal(o KeyValue) bool {
	return bytes.Equal(kv.Key, o.Key) &&
		kv.CreateIndex == o.CreateIndex &&
		kv.ModIndex == o.ModIndex &&
		kv.Version == o.Version &&
		bytes.Equal(kv.Value, o.Value)
}

func (kv KeyValue) String() string {
	return fmt.Sprintf("%q@%d[created=%d,ver=%d]", kv.Key, kv.ModIndex, kv.CreateIndex, kv.Version)
}

// EventType describes the mutation an Event reports.
type EventType int32

const (
	// EventPut reports a key creation or update.
	EventPut EventType = iota
	// EventDelete reports an explicit key deletion.
	EventDelete
	// EventExpire reports a key deletion driven by lease expiry.
	EventExpire
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	case EventExpire:
		return "EXPIRE"
	default:
		return fmt.Sprintf("EventType(%d)", int32(t))
	}
}

// SafeValue implements the redact.SafeValue interface.
func (t EventType) SafeValue() {}

var _ redact.SafeValue = EventType(0)

// Event reports a single mutation of a single key.
//
// For EventPut, Kv is the new version of the key; Kv.ModIndex equals
// Index. For EventDelete and EventExpire, Kv is the version that was
// live immediately before removal, so Kv.ModIndex is strictly less
// than Index.
type Event struct {
	// Type is the kind of mutation.
	Type EventType
	// Kv is the affected version, per the rules above.
	Kv KeyValue
	// Index is the global index of the mutation that produced the
	// event.
	Index int64
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)@%d", e.Type, e.Kv, e.Index)
}

// Comparator is the relation a transaction guard asserts.
type Comparator int32

const (
	// CompareEqual asserts target == operand.
	CompareEqual Comparator = iota
	// CompareGreater asserts target > operand.
	CompareGreater
	// CompareLess asserts target < operand.
	CompareLess
)

// String implements fmt.Stringer.
func (c Comparator) String() string {
	switch c {
	case CompareEqual:
		return "="
	case CompareGreater:
		return ">"
	case CompareLess:
		return "<"
	default:
		return fmt.Sprintf("Comparator(%d)", int32(c))
	}
}

// CompareTarget names the field of the live version a guard compares.
type CompareTarget int32

const (
	// CompareVersion compares the per-key version counter.
	CompareVersion CompareTarget = iota
	// CompareCreate compares the key's create index.
	CompareCreate
	// CompareMod compares the key's mod index.
	CompareMod
	// CompareValue compares the key's value bytes lexicographically.
	CompareValue
)

// String implements fmt.Stringer.
func (t CompareTarget) String() string {
	switch t {
	case CompareVersion:
		return "version"
	case CompareCreate:
		return "create"
	case CompareMod:
		return "mod"
	case CompareValue:
		return "value"
	default:
		return fmt.Sprintf("CompareTarget(%d)", int32(t))
	}
}

// Compare is a single guard comparison evaluated against the current
// live version of Key. An absent key compares with all numeric targets
// zero and an empty value.
type Compare struct {
	// Key is the subject key.
	Key []byte
	// Result is the asserted relation between the target field and the
	// operand.
	Result Comparator
	// Target selects the compared field, and with it the operand field
	// below that is consulted.
	Target CompareTarget

	// Version is the operand for CompareVersion.
	Version int64
	// CreateIndex is the operand for CompareCreate.
	CreateIndex int64
	// ModIndex is the operand for CompareMod.
	ModIndex int64
	// Value is the operand for CompareValue.
	Value []byte
}

func (c Compare) String() string {
	var operand interface{}
	switch c.Target {
	case CompareVersion:
		operand = c.Version
	case CompareCreate:
		operand = c.CreateIndex
	case CompareMod:
		operand = c.ModIndex
	case CompareValue:
		operand = fmt.Sprintf("%q", c.Value)
	}
	return fmt.Sprintf("%q.%s %s %v", c.Key, c.Target, c.Result, operand)
}
