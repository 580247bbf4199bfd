package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/grid/partitioned"
	"pkt.systems/gridsync/internal/grid/retry"
	"pkt.systems/pslog"
)

type stubStore struct {
	invokeErrs  []error
	invokeCalls int
	ids         []string
}

func (s *stubStore) Invoke(ctx context.Context, _ grid.Key, _ grid.Processor) ([]byte, error) {
	s.invokeCalls++
	s.ids = append(s.ids, grid.InvocationID(ctx))
	if idx := s.invokeCalls - 1; idx < len(s.invokeErrs) && s.invokeErrs[idx] != nil {
		return nil, s.invokeErrs[idx]
	}
	return []byte("ok"), nil
}

func (s *stubStore) Get(context.Context, grid.Key) ([]byte, error) { return nil, grid.ErrNotFound }
func (s *stubStore) Remove(context.Context, grid.Key) error         { return nil }
func (s *stubStore) Clear(context.Context, string) error            { return nil }
func (s *stubStore) Subscribe(context.Context, grid.Key) (grid.Subscription, error) {
	return nil, errors.New("not supported")
}
func (s *stubStore) Close() error { return nil }

type instantClock struct {
	sleeps []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(0, 0) }
func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}
func (c *instantClock) Sleep(d time.Duration) { c.sleeps = append(c.sleeps, d) }

var key = grid.Key{Namespace: "ns", ID: "k"}

func TestInvokeRetriesTransientWithSameInvocationID(t *testing.T) {
	inner := &stubStore{invokeErrs: []error{
		grid.NewTransientError(grid.ErrPartitionTransfer),
		grid.NewTransientError(grid.ErrPartitionTransfer),
	}}
	clk := &instantClock{}
	store := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second})
	res, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(nil))
	if err != nil || string(res) != "ok" {
		t.Fatalf("expected success after retries, got %q err=%v", res, err)
	}
	if inner.invokeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.invokeCalls)
	}
	if inner.ids[0] == "" || inner.ids[0] != inner.ids[1] || inner.ids[1] != inner.ids[2] {
		t.Fatalf("expected one invocation id across attempts, got %v", inner.ids)
	}
	if len(clk.sleeps) != 2 || clk.sleeps[0] != 10*time.Millisecond || clk.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", clk.sleeps)
	}
}

func TestInvokeDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("boom")
	inner := &stubStore{invokeErrs: []error{boom}}
	store := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 5})
	if _, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(nil)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if inner.invokeCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.invokeCalls)
	}
}

func TestExhaustionSurfacesUnavailable(t *testing.T) {
	transient := grid.NewTransientError(grid.ErrPartitionTransfer)
	inner := &stubStore{invokeErrs: []error{transient, transient, transient}}
	store := retry.Wrap(inner, nil, &instantClock{}, retry.Config{MaxAttempts: 3})
	_, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(nil))
	if !retry.Exhausted(err) || !errors.Is(err, grid.ErrPartitionTransfer) {
		t.Fatalf("expected ErrUnavailable wrapping transfer error, got %v", err)
	}
	if !grid.IsTransient(err) {
		t.Fatal("expected cause chain to keep the transient marker")
	}
}

func TestRetryRidesThroughPartitionTransfer(t *testing.T) {
	engine, err := partitioned.New(partitioned.Config{Partitions: 2})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	part := engine.PartitionFor(key)
	if err := engine.BeginTransfer(part); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	manual := clock.NewManual(time.Unix(0, 0))
	store := retry.Wrap(engine, nil, manual, retry.Config{MaxAttempts: 10, BaseDelay: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
			e.SetValue([]byte("v"))
			return nil, nil
		}))
		done <- err
	}()
	if !manual.BlockUntil(1, time.Second) {
		t.Fatal("expected retry to wait on the clock")
	}
	if err := engine.EndTransfer(part); err != nil {
		t.Fatalf("end transfer: %v", err)
	}
	manual.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not complete after transfer ended")
	}
	if v, err := engine.Get(context.Background(), key); err != nil || string(v) != "v" {
		t.Fatalf("expected write to land, got %q err=%v", v, err)
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	transient := grid.NewTransientError(grid.ErrPartitionTransfer)
	inner := &stubStore{invokeErrs: []error{transient, transient, transient}}
	manual := clock.NewManual(time.Unix(0, 0))
	store := retry.Wrap(inner, nil, manual, retry.Config{MaxAttempts: 3, BaseDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Invoke(ctx, key, grid.ProcessorFunc(nil))
		done <- err
	}()
	if !manual.BlockUntil(1, time.Second) {
		t.Fatal("expected retry to wait")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry ignored cancellation")
	}
}
