package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrLockNotHeld         = errors.New("lock not held")
	ErrConflict            = errors.New("unresolved conflict")
	ErrManualResolution    = errors.New("conflict requires manual resolution")
	ErrIntegrity           = errors.New("integrity check failed")
	ErrRecoveryUnavailable = errors.New("recovery not configured")
	ErrClosed              = errors.New("coordinator closed")
)

type LockTimeoutError struct {
	StateID string
	Type    LockType
	Waited  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s lock on %s not granted after %s", e.Type, e.StateID, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// ConflictError is returned when detected conflicts could not be resolved
// automatically.
type ConflictError struct {
	StateID   string
	Conflicts []ConflictRecord
	Err       error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on %s: %v", e.StateID, e.Err)
	}
	return "conflict on " + e.StateID
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
