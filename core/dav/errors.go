package dav

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked reports a mutation or grant blocked by someone else's lock.
	ErrLocked = errors.New("resource locked")
	// ErrPreconditionFailed reports a token that matches no active lock.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrInvalidResource reports an empty or unusable resource identifier.
	ErrInvalidResource = errors.New("invalid resource")
)

// StorageError wraps a persistence failure. Committed is set when the
// caller's mutation already happened and only version bookkeeping failed.
type StorageError struct {
	Op        string
	Resource  string
	Err       error
	Committed bool
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage %s %s: %v", e.Op, e.Resource, e.Err)
	if e.Committed {
		msg += " (mutation committed, version may be stale)"
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already is one.
func Storage(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Resource: resource, Err: err}
}

// Locked returns ErrLocked naming the resource holding the blocking lock.
func Locked(resource string) error {
	return fmt.Errorf("%w: %s", ErrLocked, resource)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Committed marks err as a storage failure that followed a successful mutation.
func Committed(op, resource string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		cp := *se
		cp.Committed = true
		return &cp
	}
	return &StorageError{Op: op, Resource: resource, Err: err, Committed: true}
}
