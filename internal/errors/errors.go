// Package errors consolidates error definitions for the sonde loader.
//
// It provides sentinel errors for every error condition in the load
// pipeline, category checking functions mirroring the error taxonomy
// (cancellation, decode fallback, protocol anomaly, transport, cache),
// and error wrapping utilities.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Cancellation / supersession. Not user-visible errors: a superseded
	// request unwinds quietly and the previous committed dataset stays.
	ErrRequestSuperseded = errors.New("request superseded by newer epoch")

	// Decode errors. A binary decode failure is recovered locally by the
	// JSON fallback; only a fallback failure surfaces.
	ErrNotBinary      = errors.New("payload is not a binary columnar buffer")
	ErrMissingColumn  = errors.New("required column missing")
	ErrDecodeFallback = errors.New("binary decode failed, JSON fallback required")
	ErrMalformedChunk = errors.New("malformed chunk payload")

	// Protocol anomalies. Fatal for one site's fetch only; accumulated
	// records are kept.
	ErrProtocolAnomaly   = errors.New("chunk protocol anomaly")
	ErrOffsetNotAdvanced = errors.New("chunk offset did not advance")
	ErrEmptyChunkHasMore = errors.New("empty chunk claims more data")

	// Transport errors. Surfaced to the caller with a retry action.
	ErrTransport     = errors.New("transport error")
	ErrRemoteStatus  = errors.New("unexpected remote status")
	ErrRemoteTimeout = errors.New("remote request timed out")

	// Cache errors. Never surfaced; a failing cache degrades to a miss.
	ErrCacheMiss    = errors.New("cache miss")
	ErrSliceExpired = errors.New("cache slice expired")
	ErrCacheStorage = errors.New("cache storage error")

	// Validation errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidWindow = errors.New("invalid time window")
	ErrNoSites       = errors.New("no sites selected")
	ErrMissingField  = errors.New("missing required field")

	// State errors.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("coordinator is closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsCancellation returns true if err means the work was superseded or the
// context was cancelled. Such errors are suppressed, never surfaced.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrRequestSuperseded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDecodeFallback returns true if err signals that the JSON fallback
// should be attempted.
func IsDecodeFallback(err error) bool {
	return errors.Is(err, ErrNotBinary) ||
		errors.Is(err, ErrMissingColumn) ||
		errors.Is(err, ErrDecodeFallback)
}

// IsProtocolAnomaly returns true if err is a chunk protocol anomaly.
func IsProtocolAnomaly(err error) bool {
	return errors.Is(err, ErrProtocolAnomaly) ||
		errors.Is(err, ErrOffsetNotAdvanced) ||
		errors.Is(err, ErrEmptyChunkHasMore)
}

// IsTransport returns true if err is a network/transport error.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRemoteStatus) ||
		errors.Is(err, ErrRemoteTimeout)
}

// IsCacheError returns true if err is a cache storage error. Callers treat
// these as a full miss and fall through to the network.
func IsCacheError(err error) bool {
	return errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrSliceExpired) ||
		errors.Is(err, ErrCacheStorage)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrNoSites) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error is worth offering a retry for.
func IsRetriable(err error) bool {
	return IsTransport(err)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewAnomaly creates a protocol anomaly error for a site's chunk loop.
func NewAnomaly(site string, offset int64, cause error) error {
	return fmt.Errorf("site %s at offset %d: %w: %w", site, offset, ErrProtocolAnomaly, cause)
}

// NewRemoteStatus creates a transport error for an unexpected HTTP status.
func NewRemoteStatus(site string, status int) error {
	return fmt.Errorf("site %s: status %d: %w", site, status, ErrRemoteStatus)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
