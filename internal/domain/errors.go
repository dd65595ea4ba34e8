package domain

import "fmt"

// ErrorKind classifies an EngineError for callers that need to decide
// whether a failure is correctable input, a protocol violation, or a
// collision with existing state.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindStore      ErrorKind = "store"
	KindConfig     ErrorKind = "config"
	KindLimit      ErrorKind = "limit"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code, a kind and a human-readable message.
type EngineError struct {
	Code    int
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so a detailed copy
// produced by Detail still satisfies errors.Is against the sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, kind ErrorKind, msg string) *EngineError {
	return &EngineError{Code: code, Kind: kind, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(base *EngineError, cause error) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: fmt.Sprintf("%s: %v", base.Message, cause)}
}

// Detail returns a copy of base with extra context appended to the message.
func Detail(base *EngineError, format string, args ...any) *EngineError {
	return &EngineError{
		Code:    base.Code,
		Kind:    base.Kind,
		Message: base.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// ---- Validation errors (-32000 to -32009) ----

var (
	ErrValidation           = &EngineError{Code: -32000, Kind: KindValidation, Message: "validation failed"}
	ErrMalformedAnchorEvent = &EngineError{Code: -32001, Kind: KindValidation, Message: "malformed anchor event"}
	ErrUnknownEventType     = &EngineError{Code: -32002, Kind: KindValidation, Message: "unknown event type"}
	ErrInvalidConstraint    = &EngineError{Code: -32003, Kind: KindValidation, Message: "invalid continuity constraint"}
	ErrInvalidDiagnostics   = &EngineError{Code: -32004, Kind: KindValidation, Message: "invalid smoothness diagnostics"}
	ErrInvalidLocation      = &EngineError{Code: -32005, Kind: KindValidation, Message: "invalid location"}
	ErrNonCanonicalValue    = &EngineError{Code: -32006, Kind: KindValidation, Message: "value cannot be canonicalized"}
	ErrMalformedDocument    = &EngineError{Code: -32007, Kind: KindValidation, Message: "malformed document"}
)

// ---- Node lifecycle / spine errors (-32010 to -32029) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Kind: KindState, Message: "invalid node state transition"}
	ErrUnknownNode       = &EngineError{Code: -32011, Kind: KindState, Message: "unknown node"}
	ErrDuplicateNode     = &EngineError{Code: -32012, Kind: KindState, Message: "node already registered"}
	ErrCommitNotEligible = &EngineError{Code: -32013, Kind: KindState, Message: "node state cannot progress intent to commit"}
	ErrInvalidNodeState  = &EngineError{Code: -32014, Kind: KindValidation, Message: "invalid node state value"}
)

// ---- Intake / proposal errors (-32040 to -32059) ----

var (
	ErrIdempotencyConflict = &EngineError{Code: -32040, Kind: KindConflict, Message: "idempotency key reused with a different request"}
	ErrProposalNotFound    = &EngineError{Code: -32041, Kind: KindNotFound, Message: "proposal not found"}
	ErrDuplicateProposal   = &EngineError{Code: -32042, Kind: KindConflict, Message: "proposal id already exists"}
	ErrDocumentNotFound    = &EngineError{Code: -32043, Kind: KindNotFound, Message: "document not found"}
	ErrRateLimitExceeded   = &EngineError{Code: -32044, Kind: KindLimit, Message: "rate limit exceeded"}
)

// ---- Store / sink / config errors (-32130 to -32159) ----

var (
	ErrStoreInit        = &EngineError{Code: -32130, Kind: KindStore, Message: "failed to initialize store"}
	ErrStoreQuery       = &EngineError{Code: -32131, Kind: KindStore, Message: "store query failed"}
	ErrStoreWrite       = &EngineError{Code: -32132, Kind: KindStore, Message: "store write failed"}
	ErrSinkUnavailable  = &EngineError{Code: -32133, Kind: KindStore, Message: "durable sink unavailable"}
	ErrSinkBackpressure = &EngineError{Code: -32134, Kind: KindStore, Message: "durable sink queue is full"}
	ErrConfigInvalid    = &EngineError{Code: -32136, Kind: KindConfig, Message: "invalid configuration"}
	ErrDuplicateEvent   = &EngineError{Code: -32137, Kind: KindStore, Message: "duplicate event sequence number"}
)
