// Package faults defines the error classes used to decide whether a
// failure aborts the whole run or only skips the current tenant.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers bad local input: missing files, malformed
	// config values, an empty domain list. Always fatal.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuthentication covers rejected credentials at the partner level.
	// Always fatal.
	ErrAuthentication = errors.New("authentication error")
	// ErrValidation covers well-formed but unacceptable input, like a
	// syntactically broken domain in strict mode.
	ErrValidation = errors.New("validation error")
	// ErrConnection covers failures to reach or sign in to a single
	// tenant. Skips the tenant, never the run.
	ErrConnection = errors.New("connection error")
	// ErrRemoteOperation covers remote calls that were accepted but
	// failed on the other side. Skips the tenant, never the run.
	ErrRemoteOperation = errors.New("remote operation error")
)

// Wrap ties err to a class so callers can errors.Is against the class
// while keeping the original cause in the chain.
func Wrap(class error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Wrapf is Wrap with a formatted cause. The format supports %w.
func Wrapf(class error, format string, a ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, a...))
}

// Fatal reports whether err must abort the whole run instead of
// skipping a single tenant.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrAuthentication)
}
