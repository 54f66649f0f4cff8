package core

import (
	"github.com/cockroachdb/errors"
)

// Errors built by the helpers below wrap one of these sentinels.
var (
	// ErrResourceExhaustion means a heap or backing allocation could not be
	// obtained. It is fatal for the requesting operation and never retried.
	ErrResourceExhaustion = errors.New("resource exhaustion")
	// ErrInvalidUsage means a handle or bind was requested against a resource
	// that lacks the required usage flags.
	ErrInvalidUsage = errors.New("invalid usage")
	// ErrBackendMismatch means work was handed to a queue of another work class.
	ErrBackendMismatch = errors.New("backend mismatch")
	// ErrStaleHandle means a bindless handle no longer matches the registry.
	ErrStaleHandle = errors.New("stale handle")
	// ErrInvalidState means a command context was used outside the state that
	// allows the operation (e.g. drawing while not recording).
	ErrInvalidState = errors.New("invalid state")
	// ErrDeviceLost means the backend reported an unrecoverable device loss.
	ErrDeviceLost = errors.New("device lost")
	ErrUnknown    = errors.New("unknown")
)

// Exhausted builds an error that matches ErrResourceExhaustion.
func Exhausted(format string, args ...interface{}) error {
	return errors.Wrapf(ErrResourceExhaustion, format, args...)
}

// InvalidUsage builds an error that matches ErrInvalidUsage.
func InvalidUsage(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidUsage, format, args...)
}

// InvalidState builds an error that matches ErrInvalidState.
func InvalidState(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidState, format, args...)
}

// Mismatch builds an error that matches ErrBackendMismatch.
func Mismatch(format string, args ...interface{}) error {
	return errors.Wrapf(ErrBackendMismatch, format, args...)
}

// Stale builds an error that matches ErrStaleHandle.
func Stale(format string, args ...interface{}) error {
	return errors.Wrapf(ErrStaleHandle, format, args...)
}
