package partitioned

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/gridsync/internal/grid"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// counter increments a decimal counter stored in the entry and returns the new value.
type counter struct{}

func (counter) Process(e grid.Entry) ([]byte, error) {
	n := 0
	if e.Present() {
		var err error
		if n, err = strconv.Atoi(string(e.Value())); err != nil {
			return nil, err
		}
	}
	n++
	e.SetValue([]byte(strconv.Itoa(n)))
	return []byte(strconv.Itoa(n)), nil
}

func TestInvokeSerializesPerKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	store, err := New(Config{Partitions: 4, BackupCount: 1})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := grid.Key{Namespace: "counters", ID: "hits"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Invoke(context.Background(), key, counter{}); err != nil {
				t.Errorf("invoke: %v", err)
			}
		}()
	}
	wg.Wait()
	value, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "50" {
		t.Fatalf("expected 50 serialized increments, got %s", value)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestProcessorErrorDiscardsWrites(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 2})
	key := grid.Key{Namespace: "ns", ID: "k"}
	boom := errors.New("boom")
	_, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		e.SetValue([]byte("partial"))
		return nil, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, grid.ErrNotFound) {
		t.Fatalf("expected no write after failure, got %v", err)
	}
}

func TestRelatedEntriesShareRouting(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 8})
	head := grid.Key{Namespace: "q", ID: "orders/head", Affinity: "orders"}
	_, err := store.Invoke(context.Background(), head, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		e.SetValue([]byte("1"))
		e.Related("orders/1").SetValue([]byte("payload"))
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got, err := store.Get(context.Background(), head.Sibling("orders/1"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("expected sibling write, got %q err=%v", got, err)
	}
	if store.PartitionFor(head) != store.PartitionFor(head.Sibling("orders/1")) {
		t.Fatal("siblings routed to different partitions")
	}
}

func TestRepeatedInvocationIDAppliesOnce(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 2, BackupCount: 1})
	key := grid.Key{Namespace: "counters", ID: "once"}
	ctx := grid.WithInvocationID(context.Background(), "inv-1")
	for i := 0; i < 3; i++ {
		res, err := store.Invoke(ctx, key, counter{})
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if string(res) != "1" {
			t.Fatalf("expected recorded result 1, got %s", res)
		}
	}
	if err := store.Failover(store.PartitionFor(key)); err != nil {
		t.Fatalf("failover: %v", err)
	}
	res, err := store.Invoke(ctx, key, counter{})
	if err != nil || string(res) != "1" {
		t.Fatalf("expected ledger to survive failover, got %q err=%v", res, err)
	}
	value, _ := store.Get(context.Background(), key)
	if string(value) != "1" {
		t.Fatalf("expected single application, got %s", value)
	}
}

// reader returns the stored value without writing.
type reader struct{}

func (reader) Process(e grid.Entry) ([]byte, error) { return e.Value(), nil }

func TestReadOnlyInvocationsSkipLedger(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 2, BackupCount: 1})
	key := grid.Key{Namespace: "counters", ID: "read"}
	if _, err := store.Invoke(grid.WithInvocationID(context.Background(), "write-1"), key, counter{}); err != nil {
		t.Fatalf("invoke counter: %v", err)
	}
	res, err := store.Invoke(grid.WithInvocationID(context.Background(), "read-1"), key, reader{})
	if err != nil || string(res) != "1" {
		t.Fatalf("read: %q err=%v", res, err)
	}
	replay := grid.WithReplayOnly(grid.WithInvocationID(context.Background(), "read-1"))
	if _, err := store.Invoke(replay, key, reader{}); !errors.Is(err, grid.ErrNotApplied) {
		t.Fatalf("read-only invocation must not be recorded, got %v", err)
	}
	replay = grid.WithReplayOnly(grid.WithInvocationID(context.Background(), "write-1"))
	if res, err := store.Invoke(replay, key, counter{}); err != nil || string(res) != "1" {
		t.Fatalf("writing invocation must be recorded, got %q err=%v", res, err)
	}
}

func TestReplayOnlyReportsUnapplied(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 2})
	key := grid.Key{Namespace: "counters", ID: "replay"}
	ctx := grid.WithReplayOnly(grid.WithInvocationID(context.Background(), "never"))
	if _, err := store.Invoke(ctx, key, counter{}); !errors.Is(err, grid.ErrNotApplied) {
		t.Fatalf("expected ErrNotApplied, got %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, grid.ErrNotFound) {
		t.Fatalf("replay must not write, got %v", err)
	}
}

func TestFailoverKeepsAcknowledgedWrites(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 3, BackupCount: 1})
	keys := make([]grid.Key, 10)
	for i := range keys {
		keys[i] = grid.Key{Namespace: "ns", ID: fmt.Sprintf("k%d", i)}
		if _, err := store.Invoke(context.Background(), keys[i], counter{}); err != nil {
			t.Fatalf("invoke: %v", err)
		}
	}
	for p := 0; p < store.Partitions(); p++ {
		if err := store.Failover(p); err != nil {
			t.Fatalf("failover %d: %v", p, err)
		}
	}
	for _, key := range keys {
		if v, err := store.Get(context.Background(), key); err != nil || string(v) != "1" {
			t.Fatalf("lost %s after failover: %q err=%v", key, v, err)
		}
	}
}

func TestFailoverWithoutBackup(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 1})
	if err := store.Failover(0); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup, got %v", err)
	}
}

func TestTransferReturnsTransientError(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 2})
	key := grid.Key{Namespace: "ns", ID: "moving"}
	part := store.PartitionFor(key)
	if err := store.BeginTransfer(part); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	_, err := store.Invoke(context.Background(), key, counter{})
	if !grid.IsTransient(err) || !errors.Is(err, grid.ErrPartitionTransfer) {
		t.Fatalf("expected transient transfer error, got %v", err)
	}
	if err := store.EndTransfer(part); err != nil {
		t.Fatalf("end transfer: %v", err)
	}
	if _, err := store.Invoke(context.Background(), key, counter{}); err != nil {
		t.Fatalf("invoke after transfer: %v", err)
	}
}

func TestRemoveClearAndSubscribe(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 4})
	ctx := context.Background()
	key := grid.Key{Namespace: "semaphores", ID: "a"}
	sub, err := store.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.Invoke(ctx, key, counter{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	waitSignal(t, sub)

	if err := store.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitSignal(t, sub)
	if err := store.Remove(ctx, key); err != nil {
		t.Fatalf("remove absent: %v", err)
	}

	for i := 0; i < 5; i++ {
		k := grid.Key{Namespace: "semaphores", ID: fmt.Sprintf("s%d", i)}
		if _, err := store.Invoke(ctx, k, counter{}); err != nil {
			t.Fatalf("invoke: %v", err)
		}
	}
	other := grid.Key{Namespace: "queues", ID: "keep"}
	if _, err := store.Invoke(ctx, other, counter{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if err := store.Clear(ctx, "semaphores"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for i := 0; i < 5; i++ {
		k := grid.Key{Namespace: "semaphores", ID: fmt.Sprintf("s%d", i)}
		if _, err := store.Get(ctx, k); !errors.Is(err, grid.ErrNotFound) {
			t.Fatalf("expected %s cleared, got %v", k, err)
		}
	}
	if _, err := store.Get(ctx, other); err != nil {
		t.Fatalf("clear touched another namespace: %v", err)
	}
}

func TestCancelledRequestIsNotApplied(t *testing.T) {
	store := newTestStore(t, Config{Partitions: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	key := grid.Key{Namespace: "ns", ID: "k"}
	if _, err := store.Invoke(ctx, key, counter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, grid.ErrNotFound) {
		t.Fatalf("cancelled invoke must not write, got %v", err)
	}
}

func TestClosedStoreRejectsRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	store, err := New(Config{Partitions: 2})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	key := grid.Key{Namespace: "ns", ID: "k"}
	if _, err := store.Invoke(context.Background(), key, counter{}); !errors.Is(err, grid.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := store.Subscribe(context.Background(), key); !errors.Is(err, grid.ErrClosed) {
		t.Fatalf("expected ErrClosed from subscribe, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{BackupCount: 2}); err == nil {
		t.Fatal("expected error for backup count 2")
	}
}

func waitSignal(t *testing.T, sub grid.Subscription) {
	t.Helper()
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}
