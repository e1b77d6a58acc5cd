// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errors provides standardized error handling for anomaly-sentinel.
// Every error carries a kind that the transport layer maps to an HTTP status.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds for structured error handling
const (
	KindValidation  = "validation"  // bad reading or bad config update, 4xx
	KindUnavailable = "unavailable" // persistence or mail failure, 5xx
	KindTimeout     = "timeout"     // ingest or dispatch deadline exceeded
	KindConfig      = "config"      // invalid configuration at load time
	KindInternal    = "internal"    // unexpected state, 5xx
	KindFatal       = "fatal"       // unrecoverable, terminates the process
)

// SentinelError represents a structured error with kind and operation context
type SentinelError struct {
	Kind    string
	Op      string // Operation that failed
	Err     error  // Underlying error
	Message string // Human-readable message
}

// Error implements the error interface
func (e *SentinelError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *SentinelError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is
func (e *SentinelError) Is(target error) bool {
	t, ok := target.(*SentinelError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Op == "" || e.Op == t.Op)
}

// Wrap wraps an error with operation context and kind
func Wrap(err error, kind, op, message string) error {
	if err == nil {
		return nil
	}
	return &SentinelError{
		Kind:    kind,
		Op:      op,
		Err:     err,
		Message: message,
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, kind, op, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &SentinelError{
		Kind:    kind,
		Op:      op,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
	}
}

// New creates a new SentinelError without wrapping an existing error
func New(kind, op, message string) error {
	return &SentinelError{
		Kind:    kind,
		Op:      op,
		Err:     errors.New(message),
		Message: message,
	}
}

// Newf creates a new SentinelError with formatted message
func Newf(kind, op, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &SentinelError{
		Kind:    kind,
		Op:      op,
		Err:     errors.New(msg),
		Message: msg,
	}
}

// IsKind checks if an error belongs to a specific kind
func IsKind(err error, kind string) bool {
	var sErr *SentinelError
	if errors.As(err, &sErr) {
		return sErr.Kind == kind
	}
	return false
}

// GetKind extracts the kind from an error, returns empty string if not a SentinelError
func GetKind(err error) string {
	var sErr *SentinelError
	if errors.As(err, &sErr) {
		return sErr.Kind
	}
	return ""
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Validation and configuration errors never succeed on retry
	if IsKind(err, KindValidation) || IsKind(err, KindConfig) {
		return false
	}

	// Unavailable and timeout errors are transient
	if IsKind(err, KindUnavailable) || IsKind(err, KindTimeout) {
		return true
	}

	// Default to non-retryable for safety
	return false
}

// Common error constructors for frequently used patterns

// ValidationError creates a validation error
func ValidationError(op, message string) error {
	return New(KindValidation, op, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(op, format string, args ...interface{}) error {
	return Newf(KindValidation, op, format, args...)
}

// UnavailableError wraps an error from a collaborator that failed transiently
func UnavailableError(op string, err error) error {
	return Wrap(err, KindUnavailable, op, "")
}

// UnavailableErrorf wraps an unavailable error with message
func UnavailableErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, KindUnavailable, op, format, args...)
}

// TimeoutError wraps a deadline-exceeded error
func TimeoutError(op string, err error) error {
	return Wrap(err, KindTimeout, op, "")
}

// TimeoutErrorf wraps a timeout error with message
func TimeoutErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, KindTimeout, op, format, args...)
}

// ConfigError creates a configuration error
func ConfigError(op, message string) error {
	return New(KindConfig, op, message)
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(op, format string, args ...interface{}) error {
	return Newf(KindConfig, op, format, args...)
}

// InternalError wraps an unexpected internal failure
func InternalError(op string, err error) error {
	return Wrap(err, KindInternal, op, "")
}

// InternalErrorf wraps an internal error with message
func InternalErrorf(op string, err error, format string, args ...interface{}) error {
	return Wrapf(err, KindInternal, op, format, args...)
}

// FatalError creates an unrecoverable error
func FatalError(op, message string) error {
	return New(KindFatal, op, message)
}
