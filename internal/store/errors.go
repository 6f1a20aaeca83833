package store

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by StoreError. Match them with errors.Is.
var (
	// ErrNotFound means no row has the given id.
	ErrNotFound = errors.New("result not found")
	// ErrNotPending means the row already reached SENT or FAILED.
	ErrNotPending = errors.New("result is not pending")
	// ErrAlreadyClaimed means another dispatcher holds the row in SENDING.
	ErrAlreadyClaimed = errors.New("result already claimed")
	// ErrNotFailed means a requeue was attempted on a row that is not FAILED.
	ErrNotFailed = errors.New("result is not failed")
	// ErrAlreadyRequeued means a copy of the FAILED row was already queued.
	ErrAlreadyRequeued = errors.New("result already requeued")
)

// StoreError is returned by every Store operation that fails. Err is either
// one of the sentinels above or the underlying database error.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Unavailable reports whether the error came from the database rather than
// from a state conflict on a row.
func (e *StoreError) Unavailable() bool {
	return !errors.Is(e.Err, ErrNotFound) &&
		!errors.Is(e.Err, ErrNotPending) &&
		!errors.Is(e.Err, ErrAlreadyClaimed) &&
		!errors.Is(e.Err, ErrNotFailed) &&
		!errors.Is(e.Err, ErrAlreadyRequeued)
}

func storeErr(op, id string, err error) error {
	return &StoreError{Op: op, ID: id, Err: err}
}
