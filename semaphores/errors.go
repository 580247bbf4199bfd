package semaphores

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is matched by every usage error this package returns.
	ErrInvalidArgument = errors.New("semaphores: invalid argument")
	// ErrCapacityMismatch indicates a semaphore name was reused with a
	// different number of initial permits.
	ErrCapacityMismatch = fmt.Errorf("%w: capacity mismatch", ErrInvalidArgument)
	// ErrOverRelease indicates a release would push available permits past
	// the initial capacity. The stored status is left unchanged.
	ErrOverRelease = fmt.Errorf("%w: permits released beyond capacity", ErrInvalidArgument)
	// ErrInvalidPermits indicates a negative (or, where required, zero) permit count.
	ErrInvalidPermits = fmt.Errorf("%w: invalid permit count", ErrInvalidArgument)
	// ErrTimeout indicates a bounded acquire did not obtain its permits in time.
	ErrTimeout = errors.New("semaphores: acquire timed out")
	// ErrNotFound indicates the semaphore status is missing from the store,
	// typically because it was cleared by an administrator.
	ErrNotFound = errors.New("semaphores: semaphore not found")
)

// CapacityMismatchError describes a name reused with a different capacity.
type CapacityMismatchError struct {
	Name      string
	Existing  int64
	Requested int64
}

func (e *CapacityMismatchError) Error() string {
	return fmt.Sprintf("semaphores: the semaphore %q already exists with %d initial permits (requested %d)", e.Name, e.Existing, e.Requested)
}

// Is matches ErrCapacityMismatch and ErrInvalidArgument.
func (e *CapacityMismatchError) Is(target error) bool {
	return target == ErrCapacityMismatch || target == ErrInvalidArgument
}

// OverReleaseError describes a rejected release. Available is -1 when the
// release was rejected without reading the store.
type OverReleaseError struct {
	Name      string
	Released  int64
	Available int64
	Initial   int64
}

func (e *OverReleaseError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("semaphores: releasing %d permits on %q would exceed its capacity of %d", e.Released, e.Name, e.Initial)
	}
	return fmt.Sprintf("semaphores: releasing %d permits on %q would exceed its capacity of %d (available %d)", e.Released, e.Name, e.Initial, e.Available)
}

// Is matches ErrOverRelease and ErrInvalidArgument.
func (e *OverReleaseError) Is(target error) bool {
	return target == ErrOverRelease || target == ErrInvalidArgument
}

func checkPermits(n int64, allowZero bool) error {
	if n < 0 || (n == 0 && !allowZero) {
		return fmt.Errorf("%w: %d", ErrInvalidPermits, n)
	}
	return nil
}
