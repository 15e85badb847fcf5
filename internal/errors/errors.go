package errors

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the session core and its broker.
var (
	// ErrBrokerUnavailable means the native call could not be placed at all.
	ErrBrokerUnavailable = errors.New("credential broker unavailable")
	// ErrExchangeFailed means the broker call was placed but returned failure.
	ErrExchangeFailed = errors.New("credential exchange failed")
	// ErrNoRefreshToken means a refresh was requested without a credential
	// or without refresh capability.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrUnclassified means a deep link matched none of the known patterns.
	ErrUnclassified = errors.New("unclassified deep link")

	// ErrSuperseded means a refresh finished after the session it started
	// from had already been replaced, so its result was discarded.
	ErrSuperseded = errors.New("session changed during refresh")

	// ErrNoPendingLogin means a callback arrived while no login was started.
	ErrNoPendingLogin = errors.New("no pending login")
	// ErrStateMismatch means a callback's state does not match the pending
	// login's.
	ErrStateMismatch = errors.New("state mismatch, possible CSRF attack")

	// ErrNotFound means the persister holds no credential.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported means the persister cannot perform the operation, such
	// as clearing a read-only environment seed.
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join joins errors, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
