package cloudapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for cloud operations.
var (
	// ErrNoProvider is returned when attempting live operations without a configured provider.
	ErrNoProvider = errors.New("cloudapi: no provider configured for live operations")

	// ErrNotFound is returned when the instance does not exist.
	ErrNotFound = errors.New("cloudapi: instance not found")

	// ErrNoAddress is returned while an instance has no reachable address yet.
	ErrNoAddress = errors.New("cloudapi: instance has no address yet")

	// ErrUnknownVendor is returned by New for unregistered vendor tags.
	ErrUnknownVendor = errors.New("cloudapi: unknown vendor")

	// ErrNoPrice is returned when no price is known for a node class.
	ErrNoPrice = errors.New("cloudapi: no price for node class")
)

// TransientError marks a failure worth retrying: throttling, transport errors,
// server-side faults.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("cloudapi: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
