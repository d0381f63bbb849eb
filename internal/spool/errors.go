package spool

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec §7. BackendTransient faults
// are wrapped in StoreError rather than exposed as a sentinel, since
// they carry a backend-specific code callers may want to log.
var (
	ErrInvalidArgument   = errors.New("spool: invalid argument")
	ErrCapacityReached   = errors.New("spool: capacity reached")
	ErrIdentityExhausted = errors.New("spool: identity sequence exhausted")
	ErrNotFound          = errors.New("spool: message not found")
)

// StoreError wraps an otherwise-opaque backend failure (spec §7
// BackendTransient / Corruption). Code is the backend-reported error
// code when the backend exposes one ("" otherwise).
type StoreError struct {
	Op   string
	Code string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("spool: %s: %s (code %s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("spool: %s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, code string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Code: code, Err: err}
}
