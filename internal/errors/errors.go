// Package errors provides the structured error type used by every memlog
// component. Errors carry a category, a code, a message and a retryable
// flag so callers can react without string matching.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCategory classifies errors by failure class.
type ErrorCategory string

const (
	ErrCategorySerialization ErrorCategory = "SERIALIZATION"
	ErrCategoryIO            ErrorCategory = "IO"
	ErrCategoryIntegrity     ErrorCategory = "INTEGRITY"
	ErrCategoryReplication   ErrorCategory = "REPLICATION"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Serialization codes
	CodeEncodeFailed     = "ENCODE_FAILED"
	CodeDecodeFailed     = "DECODE_FAILED"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"

	// IO codes
	CodeWriteFailed     = "WRITE_FAILED"
	CodeSyncFailed      = "SYNC_FAILED"
	CodeReadFailed      = "READ_FAILED"
	CodeDiskUnavailable = "DISK_UNAVAILABLE"
	CodeStoreFailed     = "STORE_FAILED"
	CodeStoreClosed     = "STORE_CLOSED"

	// Integrity codes
	CodeHashMismatch    = "HASH_MISMATCH"
	CodeChainBroken     = "CHAIN_BROKEN"
	CodeSnapshotCorrupt = "SNAPSHOT_CORRUPT"
	CodeFrameCorrupt    = "FRAME_CORRUPT"

	// Replication codes
	CodeQuorumUnavailable = "QUORUM_UNAVAILABLE"
	CodeNotLeader         = "NOT_LEADER"
	CodeTermConflict      = "TERM_CONFLICT"
	CodeRPCFailed         = "RPC_FAILED"

	// Validation codes
	CodeInvalidEvent          = "INVALID_EVENT"
	CodeUnauthorizedEventType = "UNAUTHORIZED_EVENT_TYPE"
	CodeInvalidConfig         = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StoreError is the structured error type used throughout the system.
type StoreError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StoreError.
func New(category ErrorCategory, code, message string) *StoreError {
	return &StoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code, nil),
	}
}

// Wrap creates a new StoreError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StoreError {
	return &StoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code, cause),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StoreError) WithDetails(details map[string]interface{}) *StoreError {
	cp := *e
	cp.Details = details
	return &cp
}

// Detail returns one detail value, or nil.
func (e *StoreError) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StoreError.
func GetCategory(err error) ErrorCategory {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StoreError.
func GetCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient reports whether an OS-level error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EBUSY)
}

func isRetryable(category ErrorCategory, code string, cause error) bool {
	switch {
	case category == ErrCategoryIO && (code == CodeWriteFailed || code == CodeSyncFailed):
		return cause != nil && IsTransient(cause)
	case category == ErrCategoryReplication && code == CodeQuorumUnavailable:
		return true
	case category == ErrCategoryReplication && code == CodeNotLeader:
		return true
	case category == ErrCategoryReplication && code == CodeRPCFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching on category and code.
var (
	ErrStoreClosed       = New(ErrCategoryIO, CodeStoreClosed, "store is closed")
	ErrStoreFailed       = New(ErrCategoryIO, CodeStoreFailed, "store failed")
	ErrQuorumUnavailable = New(ErrCategoryReplication, CodeQuorumUnavailable, "no quorum")
	ErrNotLeader         = New(ErrCategoryReplication, CodeNotLeader, "not the leader")
	ErrSnapshotCorrupt   = New(ErrCategoryIntegrity, CodeSnapshotCorrupt, "snapshot corrupt")
	ErrFrameCorrupt      = New(ErrCategoryIntegrity, CodeFrameCorrupt, "frame corrupt")
	ErrUnknownEventType  = New(ErrCategorySerialization, CodeUnknownEventType, "unknown event type")
)

// Convenience constructors for common errors.

func NewSerializationError(code, message string, cause error) *StoreError {
	return Wrap(ErrCategorySerialization, code, message, cause)
}

func NewIOError(code, message string, cause error) *StoreError {
	return Wrap(ErrCategoryIO, code, message, cause)
}

func NewIntegrityError(code, message string) *StoreError {
	return New(ErrCategoryIntegrity, code, message)
}

func NewReplicationError(code, message string, cause error) *StoreError {
	return Wrap(ErrCategoryReplication, code, message, cause)
}

func NewValidationError(code, message string) *StoreError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *StoreError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NotLeader builds a NOT_LEADER error pointing at the known leader.
func NotLeader(leaderID string) *StoreError {
	return New(ErrCategoryReplication, CodeNotLeader, "not the leader").
		WithDetails(map[string]interface{}{"leader_id": leaderID})
}

// QuorumUnavailable builds a QUORUM_UNAVAILABLE error. eventID, when set,
// lets the caller retry the same write idempotently.
func QuorumUnavailable(reason, eventID string) *StoreError {
	e := New(ErrCategoryReplication, CodeQuorumUnavailable, reason)
	if eventID != "" {
		e = e.WithDetails(map[string]interface{}{"event_id": eventID})
	}
	return e
}
