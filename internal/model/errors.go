package model

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned by calendar sources when the user has not
// granted access to the underlying event store.
var ErrAccessDenied = errors.New("calendar access denied")

// GeocodeError reports an address that could not be resolved. No-result and
// transient failures are not distinguished.
type GeocodeError struct {
	Address string
	Err     error
}

func (e *GeocodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("geocoding %q failed", e.Address)
	}
	return fmt.Sprintf("geocoding %q: %v", e.Address, e.Err)
}

func (e *GeocodeError) Unwrap() error { return e.Err }

// StoreError reports a store read or durability failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
