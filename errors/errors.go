// Package errors provides centralized error definitions and error handling
// utilities for the waggle codebase. It defines the coordination error
// taxonomy, constructors with context, and classification helpers.
//
// # Error Types
//
//   - VersionConflictError: an optimistic write observed a stale version
//   - WriteExhaustedError: conflict retries ran out
//   - NoValidCheckpointError: no checkpoint for a session passed validation
//   - CorruptContextStateError: live snapshot and all backups failed validation
//   - ResourceBlockedError: host resources too low to proceed safely
//   - ForcedTerminationError: background work missed the shutdown grace period
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrVersionConflict) { ... }
//
//	var conflict *errors.VersionConflictError
//	if errors.As(err, &conflict) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience so callers import only
// this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo Severity = iota
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Coordination sentinel errors. The typed errors below wrap these, so both
// errors.Is against a sentinel and errors.As against a type work.
var (
	// ErrVersionConflict indicates a write observed a stale context version.
	ErrVersionConflict = New("context version conflict")
	// ErrWriteExhausted indicates conflict retries were exhausted.
	ErrWriteExhausted = New("write retries exhausted")
	// ErrNoValidCheckpoint indicates no checkpoint passed hash validation.
	ErrNoValidCheckpoint = New("no valid checkpoint")
	// ErrCorruptContextState indicates the snapshot and every backup failed validation.
	ErrCorruptContextState = New("context state corrupt")
	// ErrResourceBlocked indicates host resources are too low to proceed safely.
	ErrResourceBlocked = New("host resources blocked")
	// ErrForcedTermination indicates background work missed the shutdown deadline.
	ErrForcedTermination = New("background activity forced to terminate")
)

// Session sentinel errors
var (
	// ErrSessionNotFound indicates that a session record could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionExists indicates a session with the same id is already registered.
	ErrSessionExists = New("session already registered")
	// ErrCoordinatorStopped indicates an operation on a stopped coordinator.
	ErrCoordinatorStopped = New("coordinator is stopped")
)

// Store sentinel errors
var (
	// ErrKeyNotFound indicates that a context key does not exist.
	ErrKeyNotFound = New("key not found")
	// ErrCheckpointNotFound indicates that no checkpoint exists for a session.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = New("store is closed")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// CoordinationError is the base interface for all waggle errors. It extends
// the standard error interface with classification methods.
type CoordinationError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all typed errors.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// VersionConflictError reports an optimistic write that observed a version
// different from the store's current one. Recoverable: callers retry through
// the resolver.
//
// Example:
//
//	err := errors.NewVersionConflictError("task", 5, 6)
//	fmt.Println(err) // "version conflict [key=task]: expected version 5, store at 6"
type VersionConflictError struct {
	baseError
	Key      string
	Expected int64
	Actual   int64
}

// NewVersionConflictError creates a new VersionConflictError.
func NewVersionConflictError(key string, expected, actual int64) *VersionConflictError {
	return &VersionConflictError{
		baseError: baseError{
			message:   fmt.Sprintf("expected version %d, store at %d", expected, actual),
			cause:     ErrVersionConflict,
			severity:  SeverityInfo,
			retryable: true,
		},
		Key:      key,
		Expected: expected,
		Actual:   actual,
	}
}

// Error returns the formatted error message.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict [key=%s]: %s", e.Key, e.message)
}

// Is checks if this error matches the target.
func (e *VersionConflictError) Is(target error) bool {
	if _, ok := target.(*VersionConflictError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// WriteExhaustedError reports that WriteWithRetry ran out of attempts. The
// write was never applied; callers decide whether to re-issue or surface it.
type WriteExhaustedError struct {
	baseError
	Key         string
	Attempts    int
	LastVersion int64
}

// NewWriteExhaustedError creates a new WriteExhaustedError.
func NewWriteExhaustedError(key string, attempts int, lastVersion int64) *WriteExhaustedError {
	return &WriteExhaustedError{
		baseError: baseError{
			message:   fmt.Sprintf("gave up after %d attempts, store at version %d", attempts, lastVersion),
			cause:     ErrWriteExhausted,
			severity:  SeverityWarning,
			retryable: false,
		},
		Key:         key,
		Attempts:    attempts,
		LastVersion: lastVersion,
	}
}

// Error returns the formatted error message.
func (e *WriteExhaustedError) Error() string {
	return fmt.Sprintf("write exhausted [key=%s]: %s", e.Key, e.message)
}

// Is checks if this error matches the target.
func (e *WriteExhaustedError) Is(target error) bool {
	if _, ok := target.(*WriteExhaustedError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// NoValidCheckpointError reports that recovery scanned every checkpoint for a
// session and none passed hash validation. Decision-required: the caller
// chooses fresh-start vs abort; recovery never guesses.
type NoValidCheckpointError struct {
	baseError
	SessionID string
	Scanned   int
	Corrupt   int
}

// NewNoValidCheckpointError creates a new NoValidCheckpointError.
func NewNoValidCheckpointError(sessionID string, scanned, corrupt int) *NoValidCheckpointError {
	return &NoValidCheckpointError{
		baseError: baseError{
			message:   fmt.Sprintf("scanned %d checkpoints, %d corrupt", scanned, corrupt),
			cause:     ErrNoValidCheckpoint,
			severity:  SeverityError,
			retryable: false,
		},
		SessionID: sessionID,
		Scanned:   scanned,
		Corrupt:   corrupt,
	}
}

// Error returns the formatted error message.
func (e *NoValidCheckpointError) Error() string {
	return fmt.Sprintf("no valid checkpoint [session=%s]: %s", e.SessionID, e.message)
}

// Is checks if this error matches the target.
func (e *NoValidCheckpointError) Is(target error) bool {
	if _, ok := target.(*NoValidCheckpointError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// CorruptContextStateError reports that a shard snapshot failed validation.
// Recoverable while a backup validates; fatal for the store instance when
// BackupsTried == BackupsAvailable and none passed.
type CorruptContextStateError struct {
	baseError
	Path         string
	BackupsTried int
	Recovered    bool
}

// NewCorruptContextStateError creates a new CorruptContextStateError.
func NewCorruptContextStateError(path string, backupsTried int, cause error) *CorruptContextStateError {
	return &CorruptContextStateError{
		baseError: baseError{
			message:   fmt.Sprintf("snapshot and %d backups failed validation", backupsTried),
			cause:     Join(ErrCorruptContextState, cause),
			severity:  SeverityCritical,
			retryable: false,
		},
		Path:         path,
		BackupsTried: backupsTried,
	}
}

// Error returns the formatted error message.
func (e *CorruptContextStateError) Error() string {
	return fmt.Sprintf("corrupt context state [path=%s]: %s", e.Path, e.message)
}

// Is checks if this error matches the target.
func (e *CorruptContextStateError) Is(target error) bool {
	if _, ok := target.(*CorruptContextStateError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// ResourceBlockedError reports that host disk or memory is below the safe
// floor for recovery. Deferred rather than failed: callers retry with backoff
// and escalate to a warning once attempts pass the escalation threshold.
type ResourceBlockedError struct {
	baseError
	Resource  string // "disk" or "memory"
	Available uint64
	Required  uint64
}

// NewResourceBlockedError creates a new ResourceBlockedError.
func NewResourceBlockedError(resource string, available, required uint64) *ResourceBlockedError {
	return &ResourceBlockedError{
		baseError: baseError{
			message:   fmt.Sprintf("%d bytes available, %d required", available, required),
			cause:     ErrResourceBlocked,
			severity:  SeverityWarning,
			retryable: true,
		},
		Resource:  resource,
		Available: available,
		Required:  required,
	}
}

// Error returns the formatted error message.
func (e *ResourceBlockedError) Error() string {
	return fmt.Sprintf("resource blocked [%s]: %s", e.Resource, e.message)
}

// Is checks if this error matches the target.
func (e *ResourceBlockedError) Is(target error) bool {
	if _, ok := target.(*ResourceBlockedError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// ForcedTerminationError reports that the background sync activity did not
// acknowledge cancellation within the shutdown grace period. Non-fatal:
// shutdown proceeded anyway and the record carries the forced flag.
type ForcedTerminationError struct {
	baseError
	SessionID string
	Grace     time.Duration
	Tasks     []string
}

// NewForcedTerminationError creates a new ForcedTerminationError.
func NewForcedTerminationError(sessionID string, grace time.Duration, tasks []string) *ForcedTerminationError {
	return &ForcedTerminationError{
		baseError: baseError{
			message:   fmt.Sprintf("background tasks missed the %s grace period", grace),
			cause:     ErrForcedTermination,
			severity:  SeverityWarning,
			retryable: false,
		},
		SessionID: sessionID,
		Grace:     grace,
		Tasks:     tasks,
	}
}

// Error returns the formatted error message.
func (e *ForcedTerminationError) Error() string {
	prefix := fmt.Sprintf("forced termination [session=%s]", e.SessionID)
	if len(e.Tasks) > 0 {
		prefix = fmt.Sprintf("forced termination [session=%s, tasks=%s]", e.SessionID, strings.Join(e.Tasks, ","))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ForcedTerminationError) Is(target error) bool {
	if _, ok := target.(*ForcedTerminationError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition that
// may succeed on retry: version conflicts, resource pressure, or anything
// implementing CoordinationError that says so.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coordErr CoordinationError
	if As(err, &coordErr) {
		return coordErr.IsRetryable()
	}

	return Is(err, ErrVersionConflict) || Is(err, ErrResourceBlocked)
}

// IsConflict returns true if the error is a version conflict (directly or
// wrapped). WriteExhausted does not count: it is the post-retry terminal form.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var conflict *VersionConflictError
	if As(err, &conflict) {
		return true
	}
	return Is(err, ErrVersionConflict) && !Is(err, ErrWriteExhausted)
}

// IsCorruption returns true for checkpoint or context-state corruption.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrCorruptContextState) || Is(err, ErrNoValidCheckpoint)
}

// GetSeverity returns the severity level of the error. Unknown errors default
// to SeverityError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var coordErr CoordinationError
	if As(err, &coordErr) {
		return coordErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with an additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
