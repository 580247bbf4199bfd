package semaphores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LocalSemaphore is an in-process counting semaphore. Two processes using
// the same name get independent semaphores.
type LocalSemaphore struct {
	name     string
	permits  int64
	weighted *semaphore.Weighted

	mu   sync.Mutex
	held int64
}

// NewLocalSemaphore returns a semaphore with the given number of permits.
func NewLocalSemaphore(name string, permits int64) (*LocalSemaphore, error) {
	if err := checkPermits(permits, true); err != nil {
		return nil, err
	}
	return &LocalSemaphore{
		name:     name,
		permits:  permits,
		weighted: semaphore.NewWeighted(permits),
	}, nil
}

// Name returns the semaphore name.
func (s *LocalSemaphore) Name() string {
	return s.name
}

// InitialPermits returns the capacity.
func (s *LocalSemaphore) InitialPermits() int64 {
	return s.permits
}

// Acquire blocks until n permits are available or ctx ends. Deadline expiry
// matches ErrTimeout.
func (s *LocalSemaphore) Acquire(ctx context.Context, n int64) error {
	if err := s.checkRequest(n); err != nil {
		return err
	}
	if err := s.weighted.Acquire(ctx, n); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %q waiting for %d permits: %w", ErrTimeout, s.name, n, err)
		}
		return err
	}
	s.mu.Lock()
	s.held += n
	s.mu.Unlock()
	return nil
}

// TryAcquire takes n permits if they are available now.
func (s *LocalSemaphore) TryAcquire(n int64) (bool, error) {
	if err := s.checkRequest(n); err != nil {
		return false, err
	}
	if !s.weighted.TryAcquire(n) {
		return false, nil
	}
	s.mu.Lock()
	s.held += n
	s.mu.Unlock()
	return true, nil
}

// Release returns n permits. Releasing more than are held fails with an
// *OverReleaseError.
func (s *LocalSemaphore) Release(n int64) error {
	if err := checkPermits(n, false); err != nil {
		return err
	}
	s.mu.Lock()
	if n > s.held {
		available := s.permits - s.held
		s.mu.Unlock()
		return &OverReleaseError{Name: s.name, Released: n, Available: available, Initial: s.permits}
	}
	s.held -= n
	s.mu.Unlock()
	s.weighted.Release(n)
	return nil
}

// AvailablePermits returns the permits not currently held.
func (s *LocalSemaphore) AvailablePermits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits - s.held
}

func (s *LocalSemaphore) checkRequest(n int64) error {
	if err := checkPermits(n, false); err != nil {
		return err
	}
	if n > s.permits {
		return fmt.Errorf("%w: %d exceeds the capacity %d of %q", ErrInvalidPermits, n, s.permits, s.name)
	}
	return nil
}
