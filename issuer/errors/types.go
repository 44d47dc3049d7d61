package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeRegistryUnreachable indicates the ledger registry could not be queried (transient)
	ErrCodeRegistryUnreachable ErrorCode = "REGISTRY_UNREACHABLE"

	// ErrCodeConflict indicates the ledger and database disagree in a way only an operator can resolve
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeOperationInFlight indicates an identical bulk operation is already running
	ErrCodeOperationInFlight ErrorCode = "OPERATION_IN_FLIGHT"

	// ErrCodeStaleTransition indicates a replayed or reordered confirmation
	ErrCodeStaleTransition ErrorCode = "STALE_TRANSITION"

	// ErrCodeUnconfirmed indicates a submitted transaction has not been mined within the poll budget
	ErrCodeUnconfirmed ErrorCode = "UNCONFIRMED"

	// ErrCodeUndecodableLog indicates a receipt log matched a known topic but could not be decoded
	ErrCodeUndecodableLog ErrorCode = "UNDECODABLE_LOG"

	// ErrCodeValidation indicates input validation errors
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound indicates a missing event, participant or attempt
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDatabase indicates database operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeLedger indicates a ledger read or write failed
	ErrCodeLedger ErrorCode = "LEDGER"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// IssuerError is the typed error surfaced by every issuance component.
type IssuerError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a new IssuerError
func New(code ErrorCode, message string, cause error) *IssuerError {
	return &IssuerError{
		Code:     code,
		Message:  message,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *IssuerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *IssuerError) Unwrap() error {
	return e.Cause
}

// Is matches another IssuerError by code so sentinel comparisons work with errors.Is.
func (e *IssuerError) Is(target error) bool {
	t, ok := target.(*IssuerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *IssuerError) WithContext(key string, value interface{}) *IssuerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *IssuerError) WithSeverity(severity Severity) *IssuerError {
	e.Severity = severity
	return e
}

// IsRetryable returns true if the error is retryable
func (e *IssuerError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRegistryUnreachable, ErrCodeLedger, ErrCodeUnconfirmed, ErrCodeOperationInFlight:
		return true
	case ErrCodeDatabase:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeConflict, ErrCodeUndecodableLog, ErrCodeDatabase:
		return SeverityHigh
	case ErrCodeRegistryUnreachable, ErrCodeLedger, ErrCodeUnconfirmed:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeStaleTransition:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Sentinels for errors.Is comparisons; they carry no cause.
var (
	ErrRegistryUnreachable = New(ErrCodeRegistryUnreachable, "registry unreachable", nil)
	ErrConflict            = New(ErrCodeConflict, "conflict", nil)
	ErrOperationInFlight   = New(ErrCodeOperationInFlight, "operation in flight", nil)
	ErrStaleTransition     = New(ErrCodeStaleTransition, "stale transition", nil)
	ErrUnconfirmed         = New(ErrCodeUnconfirmed, "unconfirmed", nil)
	ErrUndecodableLog      = New(ErrCodeUndecodableLog, "undecodable log", nil)
	ErrValidation          = New(ErrCodeValidation, "validation failed", nil)
	ErrNotFound            = New(ErrCodeNotFound, "not found", nil)
)

// Common error constructors

// NewRegistryUnreachable wraps a failed ledger registry query.
func NewRegistryUnreachable(message string, cause error) *IssuerError {
	return New(ErrCodeRegistryUnreachable, message, cause)
}

// NewConflict reports a ledger/database divergence that must not be auto-resolved.
func NewConflict(message string) *IssuerError {
	return New(ErrCodeConflict, message, nil)
}

// NewOperationInFlight reports a rejected duplicate submission.
func NewOperationInFlight(message string) *IssuerError {
	return New(ErrCodeOperationInFlight, message, nil)
}

// NewStaleTransition reports a transition whose precondition no longer holds.
func NewStaleTransition(message string) *IssuerError {
	return New(ErrCodeStaleTransition, message, nil)
}

// NewUnconfirmed reports a transaction still missing after the poll budget.
func NewUnconfirmed(message string) *IssuerError {
	return New(ErrCodeUnconfirmed, message, nil)
}

// NewUndecodableLog reports a log that matched a known topic but failed to decode.
func NewUndecodableLog(message string, cause error) *IssuerError {
	return New(ErrCodeUndecodableLog, message, cause)
}

// NewValidationError creates a validation error
func NewValidationError(message string) *IssuerError {
	return New(ErrCodeValidation, message, nil)
}

// NewNotFound creates a not-found error
func NewNotFound(message string) *IssuerError {
	return New(ErrCodeNotFound, message, nil)
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, cause error) *IssuerError {
	return New(ErrCodeDatabase, message, cause)
}

// NewLedgerError creates a ledger error
func NewLedgerError(message string, cause error) *IssuerError {
	return New(ErrCodeLedger, message, cause)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *IssuerError {
	return New(ErrCodeInternal, message, cause)
}
