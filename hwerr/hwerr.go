// Package hwerr holds the error taxonomy shared by the buffer, acquisition and
// hardware packages.
//
// Every error returned by the engine wraps exactly one of the sentinel values
// below, so callers classify failures with errors.Is regardless of how much
// context was added on the way up.
package hwerr

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidValue is generated for bad geometry, bad counts, out of range
	// indices and mismatched callback registrations
	ErrInvalidValue = errors.New("invalid value")

	// ErrError is generated for illegal state transitions and hardware failures
	ErrError = errors.New("error")

	// ErrNotSupported is generated when a real/virtual configuration can not be
	// reached on the hardware
	ErrNotSupported = errors.New("not supported")

	// ErrNotReady is generated when frame metadata is requested for a frame
	// that has not arrived yet
	ErrNotReady = errors.New("not ready")

	// ErrAlreadyRegistered is generated when a second subscriber is registered
	// in a single-subscriber slot
	ErrAlreadyRegistered = errors.Wrap(ErrInvalidValue, "subscriber already registered")

	// ErrNotRegistered is generated when the subscriber given to an unregister
	// call is not the one currently registered
	ErrNotRegistered = errors.Wrap(ErrInvalidValue, "subscriber not registered")
)

// InvalidValue returns an ErrInvalidValue annotated with a formatted message
func InvalidValue(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidValue, format, args...)
}

// Error returns an ErrError annotated with a formatted message
func Error(format string, args ...interface{}) error {
	return errors.Wrapf(ErrError, format, args...)
}

// NotSupported returns an ErrNotSupported annotated with a formatted message
func NotSupported(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotSupported, format, args...)
}

// NotReady returns an ErrNotReady annotated with a formatted message
func NotReady(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotReady, format, args...)
}

// Hardware wraps an error from a device call as an ErrError, preserving the
// original for inspection with errors.As.  A nil error stays nil, and an
// error the device already reported as a HardwareError is returned as is.
func Hardware(err error, call string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*HardwareError); ok {
		return err
	}
	return &HardwareError{Call: call, Err: err}
}

// HardwareError is a failure reported by the hardware collaborator
type HardwareError struct {
	// Call is the name of the device call which failed
	Call string

	// Err is the error returned by the device
	Err error
}

// Error satisfies the error interface
func (e *HardwareError) Error() string {
	return e.Call + ": " + e.Err.Error()
}

// Is makes every HardwareError match ErrError
func (e *HardwareError) Is(target error) bool {
	return target == ErrError
}

// Unwrap returns the device error
func (e *HardwareError) Unwrap() error {
	return e.Err
}
