// Package schema defines the data model shared by every part of the sync engine:
// operations, conflicts, device presence, events and metrics.
//
// Records are opaque to the engine. A record is identified by its collection and
// record ID within a family; its payload is a JSON document the engine only looks
// into for field-level merges.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the kind of mutation an operation carries.
type OpKind string

const (
	// OpCreate creates a new record.
	OpCreate OpKind = "create"
	// OpUpdate replaces or patches an existing record.
	OpUpdate OpKind = "update"
	// OpDelete removes a record.
	OpDelete OpKind = "delete"
)

// IsValid reports whether k is one of the known kinds.
func (k OpKind) IsValid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOpKind converts user input into an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	k := OpKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid operation kind %q (must be create, update or delete)", s)
	}
	return k, nil
}

// RecordKey identifies a record inside a family's dataset.
type RecordKey struct {
	Collection string
	RecordID   string
}

// String returns "collection/recordID".
func (k RecordKey) String() string {
	return k.Collection + "/" + k.RecordID
}

// Operation is a single mutation intent on one record.
//
// Operations are immutable once created. Conflict resolution never edits an
// operation; it produces a new one whose ConflictID points at the conflict.
type Operation struct {
	// ID is a UUIDv7, so IDs minted by one device sort by creation time.
	ID string `json:"id"`

	// Timestamp comes from the authoring device's Clock.
	Timestamp time.Time `json:"timestamp"`

	Kind       OpKind `json:"kind"`
	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	// Payload is the full or partial record. Optional for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	OriginDeviceID string `json:"origin_device_id"`
	FamilyID       string `json:"family_id"`

	// ConflictID is set on operations produced by conflict resolution.
	ConflictID string `json:"conflict_id,omitempty"`
}

// Validate checks the operation has every required field.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !o.Kind.IsValid() {
		return fmt.Errorf("invalid kind %q", o.Kind)
	}
	if o.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if o.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if o.OriginDeviceID == "" {
		return fmt.Errorf("origin_device_id is required")
	}
	if o.FamilyID == "" {
		return fmt.Errorf("family_id is required")
	}
	if o.Kind != OpDelete && len(o.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", o.Kind)
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Key returns the record this operation targets.
func (o *Operation) Key() RecordKey {
	return RecordKey{Collection: o.Collection, RecordID: o.RecordID}
}

// SamePayload reports whether two operations would leave the record in the
// same state. Payloads are compared after JSON normalization.
func (o *Operation) SamePayload(other *Operation) bool {
	if o.Kind == OpDelete || other.Kind == OpDelete {
		return o.Kind == other.Kind
	}
	return JSONEqual(o.Payload, other.Payload)
}

// Fields decodes the payload as a JSON object.
// A non-object payload is reported as an error.
func (o *Operation) Fields() (map[string]json.RawMessage, error) {
	return DecodeObject(o.Payload)
}

// DecodeObject decodes a JSON object into its top-level fields.
func DecodeObject(data json.RawMessage) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return fields, nil
}

// JSONEqual compares two JSON documents for semantic equality
// (key order and whitespace are ignored).
func JSONEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	na, _ := json.Marshal(va)
	nb, _ := json.Marshal(vb)
	return bytes.Equal(na, nb)
}

// ApplyPayload returns the record state after applying op on top of current.
// Creates replace the record, updates patch top-level fields, deletes return nil.
// When either side is not a JSON object the operation payload replaces the record.
func ApplyPayload(current json.RawMessage, op *Operation) json.RawMessage {
	switch op.Kind {
	case OpDelete:
		return nil
	case OpCreate:
		return op.Payload
	}

	base, err := DecodeObject(current)
	if err != nil {
		return op.Payload
	}
	patch, err := DecodeObject(op.Payload)
	if err != nil {
		return op.Payload
	}
	for k, v := range patch {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return op.Payload
	}
	return merged
}
