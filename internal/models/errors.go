package models

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrNotClaimable      = errors.New("job not claimable")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrDataCorruption    = errors.New("data corruption")
	ErrStaleWrite        = errors.New("job changed underneath writer")
	ErrHeartbeatNotFound = errors.New("heartbeat not found")
	ErrNotRetryable      = errors.New("job not retryable")
)

// DuplicateJobError is returned by enqueue when the id is taken.
type DuplicateJobError struct {
	ID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("enqueue %s: %v", e.ID, ErrDuplicateJob)
}

func (e *DuplicateJobError) Unwrap() error { return ErrDuplicateJob }

// NotClaimableError signals "try another job"; callers should not treat it as a failure.
type NotClaimableError struct {
	ID     string
	Status Status
	Reason string
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("claim %s (%s): %s", e.ID, e.Status, e.Reason)
}

func (e *NotClaimableError) Unwrap() error { return ErrNotClaimable }

// IllegalTransitionError means a core invariant was violated. It must not be swallowed.
type IllegalTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("job %s: %v %s -> %s", e.ID, ErrIllegalTransition, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// CorruptionError reports an unreadable or schema-invalid store. Preserved holds
// the path of the copy kept for inspection, when one was made.
type CorruptionError struct {
	Path      string
	Preserved string
	Err       error
}

func (e *CorruptionError) Error() string {
	if e.Preserved != "" {
		return fmt.Sprintf("%v in %s (preserved at %s): %v", ErrDataCorruption, e.Path, e.Preserved, e.Err)
	}
	return fmt.Sprintf("%v in %s: %v", ErrDataCorruption, e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrDataCorruption, e.Err} }
