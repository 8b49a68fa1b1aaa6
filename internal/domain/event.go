package domain

import "time"

// SchemaVersion is the version of the canonical event envelope itself.
const SchemaVersion = "1.0"

// EventMeta is the canonical event envelope metadata.
type EventMeta struct {
	SchemaVersion string    `json:"schema_version"`
	Tenant        string    `json:"tenant,omitempty"`
	TraceID       string    `json:"trace_id"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// EventSource identifies the origin of a canonical event.
type EventSource struct {
	System         string `json:"system"`
	ConnectionID   string `json:"connection_id"`
	MappingVersion int64  `json:"mapping_version"`
}

// DiagCode classifies a per-field diagnostic attached to an event.
type DiagCode string

const (
	// DiagCoercionFailed marks a field whose raw value could not be coerced
	// to the declared kind. The field is nulled, the record still emitted.
	DiagCoercionFailed DiagCode = "coercion_failure"
)

// Diagnostic is a non-fatal per-field problem recorded on the event.
// Fail loudly via diagnostics, not via crash.
type Diagnostic struct {
	Field   string   `json:"field"`
	Code    DiagCode `json:"code"`
	Message string   `json:"message"`
}

// CanonicalEvent is a normalized record in the shared business schema.
// Immutable once emitted; never reprocessed when a mapping version changes.
//
// Losslessness invariant: keys(Data's source roots) ∪ keys(Extras) covers
// every key of the raw record — no field is ever silently dropped.
type CanonicalEvent struct {
	ID                string           `json:"id"`
	Meta              EventMeta        `json:"meta"`
	Source            EventSource      `json:"source"`
	EntityType        string           `json:"entity_type"`
	Operation         string           `json:"operation"`
	Data              map[string]Value `json:"data"`
	Extras            map[string]Value `json:"extras"`
	UnknownFieldCount int              `json:"unknown_field_count"`
	Diagnostics       []Diagnostic     `json:"diagnostics,omitempty"`
}
