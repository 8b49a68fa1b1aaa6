package domain

import "time"

// FieldShape is one (field, kind) pair observed in a batch of raw records.
type FieldShape struct {
	Field string `json:"field"`
	Kind  Kind   `json:"kind"`
}

// SchemaFingerprint is the persisted last-known shape hash for a source.
// It is the drift-comparison baseline and only advances once the drift
// event it spawned reaches a terminal state.
type SchemaFingerprint struct {
	SourceSystem string       `json:"source_system"`
	EntityType   string       `json:"entity_type"`
	Hash         string       `json:"hash"`
	Shapes       []FieldShape `json:"shapes"`
	CapturedAt   time.Time    `json:"captured_at"`
}

// DriftState is the repair workflow state of a drift event.
type DriftState string

const (
	DriftDetected    DriftState = "DETECTED"
	DriftProposed    DriftState = "PROPOSED"
	DriftHITLQueued  DriftState = "HITL_QUEUED"
	DriftAutoApplied DriftState = "AUTO_APPLIED"
	DriftRejected    DriftState = "REJECTED"
)

// Terminal reports whether the state ends the workflow.
func (s DriftState) Terminal() bool {
	return s == DriftAutoApplied || s == DriftRejected
}

// RenameCandidate pairs a removed field with an added field by similarity.
// It is a hint for the oracle, never auto-resolved by the detector.
type RenameCandidate struct {
	RemovedField string  `json:"removed_field"`
	AddedField   string  `json:"added_field"`
	Similarity   float64 `json:"similarity"`
}

// DriftEvent records one observed schema change for a source. At most one
// non-terminal event exists per (source_system, entity_type); further
// detections while it is pending merge into it.
type DriftEvent struct {
	ID               string            `json:"id"`
	SourceSystem     string            `json:"source_system"`
	EntityType       string            `json:"entity_type"`
	PreviousHash     string            `json:"previous_hash"`
	NewHash          string            `json:"new_hash"`
	NewShapes        []FieldShape      `json:"new_shapes,omitempty"`
	AddedFields      []string          `json:"added_fields"`
	RemovedFields    []string          `json:"removed_fields"`
	RenameCandidates []RenameCandidate `json:"rename_candidates"`
	DetectedAt       time.Time         `json:"detected_at"`
	State            DriftState        `json:"state"`
	// Reason records why a non-obvious transition happened
	// ("timeout", "oracle_unavailable", "low_confidence").
	Reason string `json:"reason,omitempty"`
}

// ProposalOrigin records which kind of matcher produced a proposal.
type ProposalOrigin string

const (
	OriginOracle            ProposalOrigin = "oracle"
	OriginHeuristicFallback ProposalOrigin = "heuristic_fallback"
)

// RepairProposal is an oracle-suggested mapping change with a confidence
// score in [0,1].
type RepairProposal struct {
	ID           string          `json:"id"`
	DriftEventID string          `json:"drift_event_id"`
	Confidence   float64         `json:"confidence"`
	Changes      []MappingChange `json:"mapping_changes"`
	Origin       ProposalOrigin  `json:"origin"`
	// BaseVersion is the active mapping version the proposal was derived
	// against. Applying against any other active version conflicts.
	BaseVersion int64     `json:"base_version"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecisionOutcome is the recorded resolution of a reviewed proposal.
type DecisionOutcome string

const (
	DecisionApprove DecisionOutcome = "approve"
	DecisionReject  DecisionOutcome = "reject"
	DecisionTimeout DecisionOutcome = "timeout"
)

// SystemReviewer is the reviewer recorded on automatic decisions.
const SystemReviewer = "system"

// RepairDecision is the audit record of a proposal resolution.
type RepairDecision struct {
	ID         string          `json:"id"`
	ProposalID string          `json:"proposal_id"`
	Decision   DecisionOutcome `json:"decision"`
	Reviewer   string          `json:"reviewer"`
	Reason     string          `json:"reason,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// ConnectionStatus is the ingestion health of one source connection.
type ConnectionStatus string

const (
	// ConnectionActive means mapping and schema agree.
	ConnectionActive ConnectionStatus = "active"
	// ConnectionHealing means a drift is pending repair; ingestion keeps
	// running with the drifted fields captured in extras.
	ConnectionHealing ConnectionStatus = "healing"
)
