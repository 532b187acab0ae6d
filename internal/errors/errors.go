package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict is returned by write and merge when the caller's version
	// no longer matches the store's current version for that identity.
	ErrVersionConflict = errors.New("version conflict: record was modified by another session")

	// ErrLockTimeout is returned when a pessimistic lock cannot be granted within
	// the configured wait window.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrInvalidSessionState is returned when an operation is attempted on a session
	// that has not begun or has already ended.
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrRecordNotFound is returned when no record exists for an identity
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists is returned when inserting an identity that is already stored
	ErrRecordExists = errors.New("record already exists")

	// ErrRecordAttached is returned when merging a record that is still attached to
	// another open session.
	ErrRecordAttached = errors.New("record is attached to another session")

	// ErrRecordDetached is returned when writing or deleting a record the session
	// does not hold. Detached records go back through Merge.
	ErrRecordDetached = errors.New("record is not attached to this session")

	// ErrStoreClosed is returned when beginning a transaction on a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrConversationState is returned when a conversation step is run out of order
	ErrConversationState = errors.New("invalid conversation state")
)

// ConflictMessage is what users are shown when their change lost to a
// concurrent one.
const ConflictMessage = "The guide was updated by some other user while you were doing interesting things."

// ConflictError carries the identity and both versions of a failed version check.
type ConflictError struct {
	ID       int64
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (id=%d, expected version %d, store version %d)",
		ErrVersionConflict.Error(), e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// NewConflict builds a ConflictError. Actual is -1 when the store version could
// not be determined (for example, a conditional update matched zero rows).
func NewConflict(id, expected, actual int64) error {
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

// LockTimeoutError describes a lock request that was not granted in time.
type LockTimeoutError struct {
	Key    int64
	Mode   string
	Waited time.Duration
	Err    error // underlying store error, if any
}

func (e *LockTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (key=%d, mode=%s, waited %s): %v", ErrLockTimeout.Error(), e.Key, e.Mode, e.Waited, e.Err)
	}
	return fmt.Sprintf("%s (key=%d, mode=%s, waited %s)", ErrLockTimeout.Error(), e.Key, e.Mode, e.Waited)
}

func (e *LockTimeoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrLockTimeout, e.Err}
	}
	return []error{ErrLockTimeout}
}

// InvalidState wraps ErrInvalidSessionState with the operation and state that
// triggered it.
func InvalidState(op string, state fmt.Stringer) error {
	return fmt.Errorf("%w: %s on %s session", ErrInvalidSessionState, op, state)
}

// IsVersionConflict reports whether err is, or wraps, ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsLockTimeout reports whether err is, or wraps, ErrLockTimeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
