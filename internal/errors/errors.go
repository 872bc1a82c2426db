package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// Sentinel causes for admission and lifecycle failures. Wrap them with the
// typed errors below so call sites can both classify (errors.As) and match
// the exact cause (errors.Is).
var (
	ErrSessionNotFound    = stdErrors.New("session not found")
	ErrSessionExpired     = stdErrors.New("session expired")
	ErrBadToken           = stdErrors.New("invalid broadcast token")
	ErrCapacityExceeded   = stdErrors.New("listener capacity exceeded")
	ErrBroadcasterPresent = stdErrors.New("broadcaster already connected")
	ErrSessionNotLive     = stdErrors.New("session is not live")
	ErrSlowConsumer       = stdErrors.New("slow consumer")
	ErrSinkClosed         = stdErrors.New("recording sink closed")
)

// admissionMarker is implemented by admission-layer error types so we can classify them.
type admissionMarker interface {
	error
	isAdmission()
}

// AdmissionError is a connection admission failure (bad upgrade parameters,
// unknown session, token mismatch, capacity).
type AdmissionError struct {
	Op  string // high-level operation (e.g. "gate.upgrade", "gate.token")
	Err error  // underlying cause (may be nil)
}

func (e *AdmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("admission error: %s", e.Op)
	}
	return fmt.Sprintf("admission error: %s: %v", e.Op, e.Err)
}
func (e *AdmissionError) Unwrap() error { return e.Err }
func (e *AdmissionError) isAdmission()  {}

// SessionError indicates a session lifecycle or state violation (duplicate
// broadcaster, operations on a torn-down session).
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session error: %s", e.Op)
	}
	return fmt.Sprintf("session error: %s: %v", e.Op, e.Err)
}
func (e *SessionError) Unwrap() error { return e.Err }

// RecordingError indicates a failure writing or managing a recording file.
type RecordingError struct {
	Op  string
	Err error
}

func (e *RecordingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recording error: %s", e.Op)
	}
	return fmt.Sprintf("recording error: %s: %v", e.Op, e.Err)
}
func (e *RecordingError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded a deadline or idle timeout.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context deadline exceeded,
// or any error type that exposes Timeout() bool and returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsAdmission returns true if the error chain contains an admission-layer error.
func IsAdmission(err error) bool {
	if err == nil {
		return false
	}
	var am admissionMarker
	return stdErrors.As(err, &am)
}

// IsNotFound returns true if the error chain resolves to an unknown or
// already-expired session.
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrSessionNotFound) || stdErrors.Is(err, ErrSessionExpired)
}

// IsRecording returns true if the error chain contains a RecordingError.
func IsRecording(err error) bool {
	if err == nil {
		return false
	}
	var re *RecordingError
	return stdErrors.As(err, &re)
}

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewAdmissionError(op string, cause error) error { return &AdmissionError{Op: op, Err: cause} }
func NewSessionError(op string, cause error) error   { return &SessionError{Op: op, Err: cause} }
func NewRecordingError(op string, cause error) error { return &RecordingError{Op: op, Err: cause} }
func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}

// Usage pattern example:
//  if sess == nil {
//      return NewAdmissionError("gate.lookup", ErrSessionNotFound)
//  }
// Keep layering context with fmt.Errorf("...: %w", err).
