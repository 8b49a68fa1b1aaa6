package errors

import "net/http"

// Error code constants.
// Errors carry code + params; messages stay short and English-only.

// Mapping registry error codes.
const (
	CodeMappingNotFound = "MAPPING_NOT_FOUND"
	CodeMappingConflict = "MAPPING_CONFLICT"
	CodeVersionNotFound = "MAPPING_VERSION_NOT_FOUND"
)

// Transform error codes.
const (
	CodeCoercionFailed   = "COERCION_FAILED"
	CodeValidationFailed = "VALIDATION_FAILED"
)

// Drift / repair error codes.
const (
	CodeDriftNotFound     = "DRIFT_EVENT_NOT_FOUND"
	CodeProposalNotFound  = "PROPOSAL_NOT_FOUND"
	CodeProposalNotOpen   = "PROPOSAL_NOT_PENDING"
	CodeProposalExpired   = "PROPOSAL_EXPIRED"
	CodeOracleUnavailable = "ORACLE_UNAVAILABLE"
)

// Convenience constructors using predefined codes.

// ErrMappingNotFoundf creates a mapping-not-found error for a source/entity key.
// A missing active mapping is a configuration bug, not a data problem.
func ErrMappingNotFoundf(system, entityType string) *AppError {
	return (&AppError{
		Code:       CodeMappingNotFound,
		Message:    "no active mapping version for source",
		HTTPStatus: http.StatusNotFound,
	}).WithParams(map[string]interface{}{
		"source_system": system,
		"entity_type":   entityType,
	})
}

// ErrMappingConflictf creates a conflict error for a stale mapping write.
func ErrMappingConflictf(system, entityType string, baseVersion, activeVersion int64) *AppError {
	return (&AppError{
		Code:       CodeMappingConflict,
		Message:    "mapping version superseded since proposal was derived",
		HTTPStatus: http.StatusConflict,
	}).WithParams(map[string]interface{}{
		"source_system":  system,
		"entity_type":    entityType,
		"base_version":   baseVersion,
		"active_version": activeVersion,
	})
}

// ErrOracleUnavailablef creates a transient oracle failure error.
func ErrOracleUnavailablef(attempts int) *AppError {
	return (&AppError{
		Code:       CodeOracleUnavailable,
		Message:    "repair oracle unavailable after retries",
		HTTPStatus: http.StatusServiceUnavailable,
	}).WithParams(map[string]interface{}{
		"attempts": attempts,
	})
}
