package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is one leaf of the §7 error taxonomy. Call sites that need to
// branch on the specific failure should match on Code, not on the error
// string.
type ErrorCode string

const (
	// Validation — reported synchronously, never reach the Supervisor.
	ErrCodeMissingField         ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidName          ErrorCode = "INVALID_NAME"
	ErrCodeWaveSizeLimitExceeded ErrorCode = "WAVE_SIZE_LIMIT_EXCEEDED"
	ErrCodeCircularDependency   ErrorCode = "CIRCULAR_DEPENDENCY"
	ErrCodeInvalidServerIDs     ErrorCode = "INVALID_SERVER_IDS"
	ErrCodeNoMatchingServers    ErrorCode = "NO_MATCHING_SERVERS"

	// Conflict — reported to the Command Gateway.
	ErrCodePlanAlreadyExecuting       ErrorCode = "PLAN_ALREADY_EXECUTING"
	ErrCodeVersionConflict            ErrorCode = "VERSION_CONFLICT"
	ErrCodeExecutionNotFound          ErrorCode = "EXECUTION_NOT_FOUND"
	ErrCodeExecutionNotInPausableState ErrorCode = "EXECUTION_NOT_IN_PAUSABLE_STATE"
	ErrCodeInvalidRequest             ErrorCode = "INVALID_REQUEST"

	// Capacity — wave-level, bounded retries before surfacing.
	ErrCodeConcurrentJobsLimitExceeded ErrorCode = "CONCURRENT_JOBS_LIMIT_EXCEEDED"
	ErrCodeQuotaExceeded               ErrorCode = "QUOTA_EXCEEDED"

	// Auth — triggers a credential-broker refresh.
	ErrCodeAccessDenied       ErrorCode = "ACCESS_DENIED"
	ErrCodeCredentialsExpired ErrorCode = "CREDENTIALS_EXPIRED"
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"

	// Transient — retried with backoff, never fatal on first occurrence.
	ErrCodeThrottling         ErrorCode = "THROTTLING"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"

	// DRS job failure — recorded on the ServerLaunch.
	ErrCodeLaunchFailed ErrorCode = "LAUNCH_FAILED"
	ErrCodePollTimeout  ErrorCode = "POLL_TIMEOUT"

	// Fatal.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is the sentinel wrapped by NotFoundError; check with errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the sentinel wrapped by ConflictError; check with errors.Is.
	ErrConflict = errors.New("conflict")
	// ErrVersionConflict is the sentinel specifically for CAS failures on Execution.version.
	ErrVersionConflict = errors.New("version conflict")
)

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for the given entity kind/id.
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err (or something it wraps) is a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ConflictError carries a §7 Conflict-class code and a human message,
// surfaced to the Command Gateway caller for retry/refresh decisions.
type ConflictError struct {
	Code    ErrorCode
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflictError builds a ConflictError with the given code/message.
func NewConflictError(code ErrorCode, message string) error {
	return &ConflictError{Code: code, Message: message}
}

// IsConflict reports whether err (or something it wraps) is a ConflictError.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// ValidationError carries a §7 Validation-class code; these never reach the
// Supervisor and are reported synchronously by the Command Gateway.
type ValidationError struct {
	Code    ErrorCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError with the given code/field/message.
func NewValidationError(code ErrorCode, field, message string) error {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// CapacityError carries a §7 Capacity-class code; wave-level, bounded
// retries happen before this surfaces to the caller.
type CapacityError struct {
	Code    ErrorCode
	Message string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCapacityError builds a CapacityError with the given code/message.
func NewCapacityError(code ErrorCode, message string) error {
	return &CapacityError{Code: code, Message: message}
}

// AWSError carries a §7 Auth/Transient/DRS-job-failure class code observed
// from a DRS/EC2 call, so callers can branch on Code without string
// matching on the underlying SDK error.
type AWSError struct {
	Code    ErrorCode
	Message string
}

func (e *AWSError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAWSError builds an AWSError with the given code/message.
func NewAWSError(code ErrorCode, message string) error {
	return &AWSError{Code: code, Message: message}
}

// IsAuthError reports whether code belongs to the Auth class of the §7
// taxonomy, triggering a credential-broker refresh.
func IsAuthError(code ErrorCode) bool {
	switch code {
	case ErrCodeAccessDenied, ErrCodeCredentialsExpired:
		return true
	default:
		return false
	}
}

// IsTransientError reports whether code belongs to the Transient class,
// eligible for retry with backoff.
func IsTransientError(code ErrorCode) bool {
	switch code {
	case ErrCodeThrottling, ErrCodeServiceUnavailable, ErrCodeNetworkError:
		return true
	default:
		return false
	}
}
