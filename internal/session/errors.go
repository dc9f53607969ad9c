package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps read and write failures of the device connection.
	ErrTransport = errors.New("transport error")

	// ErrVerificationFailed is carried by DeviceRejected when the version
	// response does not identify a supported device.
	ErrVerificationFailed = errors.New("device verification failed")

	// ErrVerificationTimeout is reported when no version terminator arrives in
	// time. It matches ErrVerificationFailed.
	ErrVerificationTimeout = fmt.Errorf("%w: no version response", ErrVerificationFailed)

	// ErrInvalidTransition is returned for requests the current state does
	// not accept.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotRunning is returned by requests made while Run is not active.
	ErrNotRunning = errors.New("session is not running")
)

// TransitionError describes a request that was refused in the given state.
type TransitionError struct {
	Op    string
	State AppState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
