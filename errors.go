package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure classes surfaced per (account, method). Every internal fault is
// converted to one of these at the method boundary; nothing propagates as a
// raw error to the batch driver.
var (
	// ErrChallengeTimeout indicates the anti-bot interstitial never cleared.
	// Soft failure: the orchestrator still attempts validation afterwards
	// because challenge detection can be a false positive.
	ErrChallengeTimeout = errors.New("challenge wait timed out")

	// ErrAcquisitionFailed indicates no cascade channel produced a usable
	// cookie set. Hard failure, no cache write.
	ErrAcquisitionFailed = errors.New("credential acquisition failed")

	// ErrCacheCorrupt indicates a cache entry that could not be decoded.
	// Treated as a miss; the entry is deleted and the flow runs fresh.
	ErrCacheCorrupt = errors.New("session cache entry corrupt")

	// ErrEncryptionKeyMissing indicates no cache key is configured. The
	// cache downgrades to a reversible encoding and warns; it never fails.
	ErrEncryptionKeyMissing = errors.New("session cache key not configured")
)

// ValidationError carries the machine-readable reason a cookie set was
// judged not to represent a live session.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "session validation failed: " + e.Reason
}

// NewValidationError wraps a verdict reason as an error.
func NewValidationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// UnexpectedError wraps a panic or otherwise unclassified fault recovered at
// the per-account method boundary.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return "unexpected error: " + e.Err.Error()
}

func (e *UnexpectedError) Unwrap() error {
	return e.Err
}

// NewUnexpectedError wraps an arbitrary recovered value.
func NewUnexpectedError(v any) error {
	if err, ok := v.(error); ok {
		return &UnexpectedError{Err: err}
	}
	return &UnexpectedError{Err: fmt.Errorf("%v", v)}
}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop the current flow
// immediately. These are typically configuration issues where retrying with
// another channel or proxy won't help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is fatal for the current flow.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate
// transient transport failures worth retrying, possibly on another proxy.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
}

// IsRetryableError checks if the error is temporary and worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
