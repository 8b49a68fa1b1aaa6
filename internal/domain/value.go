// Package domain holds the core types of the normalization engine: the
// tagged raw-value union, mapping rules and registry versions, canonical
// events, schema fingerprints, and the drift/repair records.
package domain

import (
	"fmt"
	"time"
)

// Kind tags the type of a raw or canonical value.
type Kind string

const (
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindBool      Kind = "bool"
	KindTimestamp Kind = "timestamp"
	KindNull      Kind = "null"
	KindMap       Kind = "map"
)

// Value is an explicit tagged union for dynamically-shaped record fields.
// Exactly the field matching Kind is meaningful; everything else is zero.
type Value struct {
	Kind Kind             `json:"kind"`
	Str  string           `json:"str,omitempty"`
	Num  float64          `json:"num,omitempty"`
	Bool bool             `json:"bool,omitempty"`
	Time time.Time        `json:"time,omitzero"`
	Map  map[string]Value `json:"map,omitempty"`
}

// String constructs a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number constructs a number value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Boolean constructs a bool value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Timestamp constructs a timestamp value.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }

// Null constructs a null value.
func Null() Value { return Value{Kind: KindNull} }

// Nested constructs a nested-map value.
func Nested(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// IsNull reports whether the value is the null member of the union.
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == "" }

// GoString renders the value for diagnostics and oracle sample payloads.
func (v Value) GoString() string {
	switch v.Kind {
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339)
	case KindMap:
		return fmt.Sprintf("map[%d]", len(v.Map))
	default:
		return "null"
	}
}

// RawRecord is a flat or shallow-nested mapping from field name to tagged
// value, as produced by a connector adapter. Immutable once received.
type RawRecord map[string]Value

// SourceContext identifies where a raw record came from.
type SourceContext struct {
	System       string `json:"system"`
	ConnectionID string `json:"connection_id"`
	EntityType   string `json:"entity_type"`
}

// Key returns the serialization key for per-source single-writer operations.
func (c SourceContext) Key() string {
	return c.System + "/" + c.EntityType
}
