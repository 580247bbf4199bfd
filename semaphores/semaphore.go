package semaphores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/internal/uuidv7"
	"pkt.systems/pslog"
)

// Namespace holds every semaphore status record.
const Namespace = "semaphores"

// reconcileTimeout bounds the follow-up check made when a try-acquire was
// interrupted by cancellation.
const reconcileTimeout = 5 * time.Second

// DistributedSemaphore is a handle on a cluster-wide counting semaphore. It
// caches only the name and capacity; every call goes to the store.
type DistributedSemaphore struct {
	name       string
	permits    int64
	key        grid.Key
	store      grid.Store
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *semaphoreMetrics
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Name returns the semaphore name.
func (s *DistributedSemaphore) Name() string {
	return s.name
}

// InitialPermits returns the agreed capacity.
func (s *DistributedSemaphore) InitialPermits() int64 {
	return s.permits
}

// TryAcquire takes n permits if they are available right now.
func (s *DistributedSemaphore) TryAcquire(ctx context.Context, n int64) (bool, error) {
	if err := s.checkRequest(n); err != nil {
		return false, err
	}
	ok, err := s.tryAcquire(ctx, n)
	if err != nil {
		return false, err
	}
	if ok {
		s.metrics.acquired(ctx, s.name, n)
	}
	return ok, nil
}

// Acquire blocks until n permits are taken or ctx ends. When ctx ends because
// of its deadline the error matches ErrTimeout; on cancellation it matches
// context.Canceled. Either way no permits are left held.
func (s *DistributedSemaphore) Acquire(ctx context.Context, n int64) error {
	if err := s.checkRequest(n); err != nil {
		return err
	}
	begin := s.clock.Now()
	sub, err := s.store.Subscribe(ctx, s.key)
	if err != nil {
		s.logger.Debug("semaphore.acquire.subscribe_failed", "semaphore", s.name, "error", err)
		sub = nil
	} else {
		defer sub.Close()
	}
	var events <-chan struct{}
	if sub != nil {
		events = sub.Events()
	}
	backoff := clock.Backoff{Base: s.minBackoff, Max: s.maxBackoff, Multiplier: 2, Jitter: 0.2}
	for attempt := 1; ; attempt++ {
		ok, err := s.tryAcquire(ctx, n)
		if err != nil {
			return s.waitError(ctx, n, err)
		}
		if ok {
			waited := s.clock.Now().Sub(begin)
			s.metrics.acquired(ctx, s.name, n)
			s.metrics.waited(ctx, s.name, waited)
			if attempt > 1 {
				s.logger.Debug("semaphore.acquire.success", "semaphore", s.name, "permits", n, "attempts", attempt, "waited", waited)
			}
			return nil
		}
		delay := backoff.Next()
		s.logger.Trace("semaphore.acquire.wait", "semaphore", s.name, "permits", n, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return s.waitError(ctx, n, ctx.Err())
		case _, open := <-events:
			if !open {
				events = nil
			}
		case <-s.clock.After(delay):
		}
	}
}

// AcquireTimeout is Acquire bounded by timeout.
func (s *DistributedSemaphore) AcquireTimeout(ctx context.Context, n int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Acquire(ctx, n)
}

// Release returns n permits. Releasing beyond the capacity fails with an
// *OverReleaseError and leaves the stored status unchanged.
func (s *DistributedSemaphore) Release(ctx context.Context, n int64) error {
	if err := checkPermits(n, false); err != nil {
		return err
	}
	if n > s.permits {
		s.metrics.overReleased(ctx, s.name)
		return &OverReleaseError{Name: s.name, Released: n, Available: -1, Initial: s.permits}
	}
	out, err := s.invoke(grid.WithInvocationID(ctx, uuidv7.NewString()), &ReleaseProcessor{Permits: n, NowMilli: s.clock.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if !out.OK {
		s.metrics.overReleased(ctx, s.name)
		s.logger.Warn("semaphore.release.over_release", "semaphore", s.name, "permits", n, "available", out.Value, "initial", out.Initial)
		return &OverReleaseError{Name: s.name, Released: n, Available: out.Value, Initial: out.Initial}
	}
	s.metrics.released(ctx, s.name, n)
	return nil
}

// AvailablePermits returns the current number of available permits.
func (s *DistributedSemaphore) AvailablePermits(ctx context.Context) (int64, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.AvailablePermits, nil
}

// DrainPermits acquires every available permit and returns how many were taken.
func (s *DistributedSemaphore) DrainPermits(ctx context.Context) (int64, error) {
	out, err := s.invoke(grid.WithInvocationID(ctx, uuidv7.NewString()), &DrainProcessor{NowMilli: s.clock.Now().UnixMilli()})
	if err != nil {
		return 0, err
	}
	if out.Value > 0 {
		s.metrics.acquired(ctx, s.name, out.Value)
	}
	return out.Value, nil
}

// Status reads the stored record.
func (s *DistributedSemaphore) Status(ctx context.Context) (*Status, error) {
	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, grid.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.name)
		}
		return nil, err
	}
	return DecodeStatus(data)
}

func (s *DistributedSemaphore) checkRequest(n int64) error {
	if err := checkPermits(n, false); err != nil {
		return err
	}
	if n > s.permits {
		return fmt.Errorf("%w: %d exceeds the capacity %d of %q", ErrInvalidPermits, n, s.permits, s.name)
	}
	return nil
}

// tryAcquire runs one try-acquire under a fresh invocation id. If the call
// fails after ctx ended, the outcome is unknown, so it asks the store whether
// the invocation was applied and hands any permits it took back.
func (s *DistributedSemaphore) tryAcquire(ctx context.Context, n int64) (bool, error) {
	id := uuidv7.NewString()
	proc := &TryAcquireProcessor{Permits: n, NowMilli: s.clock.Now().UnixMilli()}
	out, err := s.invoke(grid.WithInvocationID(ctx, id), proc)
	if err != nil {
		if ctx.Err() != nil {
			s.reconcile(ctx, id, proc)
		}
		return false, err
	}
	return out.OK, nil
}

func (s *DistributedSemaphore) reconcile(ctx context.Context, id string, proc *TryAcquireProcessor) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	out, err := s.invoke(grid.WithReplayOnly(grid.WithInvocationID(rctx, id)), proc)
	switch {
	case errors.Is(err, grid.ErrNotApplied):
		return
	case err != nil:
		s.logger.Warn("semaphore.acquire.reconcile_failed", "semaphore", s.name, "invocation", id, "error", err)
		return
	case !out.OK:
		return
	}
	undo := &ReleaseProcessor{Permits: proc.Permits, NowMilli: s.clock.Now().UnixMilli()}
	if _, err := s.invoke(grid.WithInvocationID(rctx, uuidv7.NewString()), undo); err != nil {
		s.logger.Error("semaphore.acquire.reconcile_release_failed", "semaphore", s.name, "permits", proc.Permits, "error", err)
		return
	}
	s.logger.Info("semaphore.acquire.reconciled", "semaphore", s.name, "permits", proc.Permits, "invocation", id)
}

func (s *DistributedSemaphore) invoke(ctx context.Context, p grid.Processor) (Outcome, error) {
	data, err := s.store.Invoke(ctx, s.key, p)
	if err != nil {
		return Outcome{}, err
	}
	out, err := decodeOutcome(data)
	if err != nil {
		return Outcome{}, err
	}
	if out.Missing {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, s.name)
	}
	return out, nil
}

func (s *DistributedSemaphore) waitError(ctx context.Context, n int64, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		s.metrics.timedOut(ctx, s.name)
		s.logger.Debug("semaphore.acquire.timeout", "semaphore", s.name, "permits", n)
		return fmt.Errorf("%w: %q waiting for %d permits: %w", ErrTimeout, s.name, n, err)
	}
	return err
}

func newDistributedSemaphore(name string, permits int64, r *Registry) *DistributedSemaphore {
	return &DistributedSemaphore{
		name:       name,
		permits:    permits,
		key:        grid.Key{Namespace: Namespace, ID: name},
		store:      r.store,
		clock:      r.clock,
		logger:     svcfields.WithSubsystem(r.baseLogger, "semaphores.distributed"),
		metrics:    r.metrics,
		minBackoff: r.minBackoff,
		maxBackoff: r.maxBackoff,
	}
}
