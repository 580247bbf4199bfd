// Package retry decorates a grid.Store with retries of transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg. Every
// attempt of one Invoke shares a single invocation id, so a retry after an
// unacknowledged success returns the recorded result. Once attempts are
// exhausted the last error is returned wrapped in grid.ErrUnavailable.
func Wrap(inner grid.Store, logger pslog.Logger, clk clock.Clock, cfg Config) grid.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  grid.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	ctx, _ = grid.EnsureInvocationID(ctx)
	var result []byte
	err := s.withRetry(ctx, "invoke", key.String(), func(ctx context.Context) error {
		var err error
		result, err = s.inner.Invoke(ctx, key, p)
		return err
	})
	return result, err
}

func (s *store) Get(ctx context.Context, key grid.Key) ([]byte, error) {
	var value []byte
	err := s.withRetry(ctx, "get", key.String(), func(ctx context.Context) error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (s *store) Remove(ctx context.Context, key grid.Key) error {
	return s.withRetry(ctx, "remove", key.String(), func(ctx context.Context) error {
		return s.inner.Remove(ctx, key)
	})
}

func (s *store) Clear(ctx context.Context, namespace string) error {
	return s.withRetry(ctx, "clear", namespace, func(ctx context.Context) error {
		return s.inner.Clear(ctx, namespace)
	})
}

func (s *store) Subscribe(ctx context.Context, key grid.Key) (grid.Subscription, error) {
	var sub grid.Subscription
	err := s.withRetry(ctx, "subscribe", key.String(), func(ctx context.Context) error {
		var err error
		sub, err = s.inner.Subscribe(ctx, key)
		return err
	})
	return sub, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, target string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	backoff := clock.Backoff{Base: s.cfg.BaseDelay, Max: s.cfg.MaxDelay, Multiplier: s.cfg.Multiplier}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !grid.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		s.logger.Warn("grid transient error",
			"operation", op,
			"target", target,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.Wait(ctx, s.clock, backoff.Next()); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %w", grid.ErrUnavailable, op, target, attempts, lastErr)
}

// Unwrap returns the decorated store.
func (s *store) Unwrap() grid.Store {
	return s.inner
}

// Exhausted reports whether err is the result of running out of attempts.
func Exhausted(err error) bool {
	return errors.Is(err, grid.ErrUnavailable)
}
