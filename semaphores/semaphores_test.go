package semaphores

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/grid/partitioned"
)

func newTestStore(t *testing.T) *partitioned.Store {
	t.Helper()
	store, err := partitioned.New(partitioned.Config{Partitions: 7, BackupCount: 1})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry(t *testing.T, store grid.Store) *Registry {
	t.Helper()
	reg, err := NewRegistry(Config{Store: store, MinBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func available(t *testing.T, sem *DistributedSemaphore) int64 {
	t.Helper()
	n, err := sem.AvailablePermits(context.Background())
	if err != nil {
		t.Fatalf("available permits: %v", err)
	}
	return n
}

func TestCapacityMismatchAcrossProcesses(t *testing.T) {
	store := newTestStore(t)
	procA := newTestRegistry(t, store)
	procB := newTestRegistry(t, store)
	ctx := context.Background()

	if _, err := procA.RemoteSemaphore(ctx, "db-conn", 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := procB.RemoteSemaphore(ctx, "db-conn", 3)
	var mismatch *CapacityMismatchError
	if !errors.As(err, &mismatch) || !errors.Is(err, ErrCapacityMismatch) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected capacity mismatch, got %v", err)
	}
	if mismatch.Existing != 2 || mismatch.Requested != 3 {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
	if _, err := procA.RemoteSemaphore(ctx, "db-conn", 3); !errors.Is(err, ErrCapacityMismatch) {
		t.Fatalf("expected local cache to report mismatch, got %v", err)
	}
	data, err := store.Get(ctx, grid.Key{Namespace: Namespace, ID: "db-conn"})
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	st, err := DecodeStatus(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.InitialPermits != 2 {
		t.Fatalf("stored capacity changed to %d", st.InitialPermits)
	}
}

func TestConcurrentCreatorsShareOneRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registries := []*Registry{newTestRegistry(t, store), newTestRegistry(t, store), newTestRegistry(t, store)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[*Registry]map[*DistributedSemaphore]struct{})
	)
	for i := 0; i < 30; i++ {
		reg := registries[i%len(registries)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.RemoteSemaphore(ctx, "shared", 4)
			if err != nil {
				t.Errorf("remote semaphore: %v", err)
				return
			}
			mu.Lock()
			if handles[reg] == nil {
				handles[reg] = make(map[*DistributedSemaphore]struct{})
			}
			handles[reg][h] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	for reg, set := range handles {
		if len(set) != 1 {
			t.Fatalf("registry %p retained %d handles for one name", reg, len(set))
		}
		for h := range set {
			if h.InitialPermits() != 4 {
				t.Fatalf("unexpected capacity %d", h.InitialPermits())
			}
		}
	}
	handle, _ := registries[0].RemoteSemaphore(ctx, "shared", 4)
	if got := available(t, handle); got != 4 {
		t.Fatalf("expected untouched permits, got %d", got)
	}
}

func TestTryAcquireThenReleaseRestores(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "restore", 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := available(t, sem)
	ok, err := sem.TryAcquire(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("try acquire: ok=%v err=%v", ok, err)
	}
	if got := available(t, sem); got != before-3 {
		t.Fatalf("expected %d available, got %d", before-3, got)
	}
	if err := sem.Release(ctx, 3); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := available(t, sem); got != before {
		t.Fatalf("expected %d restored, got %d", before, got)
	}
}

func TestOverReleaseRejectedAndUnchanged(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "over", 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := sem.TryAcquire(ctx, 1); err != nil || !ok {
		t.Fatalf("try acquire: ok=%v err=%v", ok, err)
	}
	err = sem.Release(ctx, 2)
	var over *OverReleaseError
	if !errors.As(err, &over) || !errors.Is(err, ErrOverRelease) {
		t.Fatalf("expected over-release error, got %v", err)
	}
	if got := available(t, sem); got != 1 {
		t.Fatalf("expected available unchanged at 1, got %d", got)
	}
	if err := sem.Release(ctx, 1); err != nil {
		t.Fatalf("valid release: %v", err)
	}
	if err := sem.Release(ctx, 1); !errors.Is(err, ErrOverRelease) {
		t.Fatalf("expected release on full semaphore to fail, got %v", err)
	}
	if got := available(t, sem); got != 2 {
		t.Fatalf("expected 2 available, got %d", got)
	}
}

func TestReleaseBeyondCapacityIsUsageError(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "huge", 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := sem.TryAcquire(ctx, 2); err != nil || !ok {
		t.Fatalf("try acquire: ok=%v err=%v", ok, err)
	}
	for _, n := range []int64{3, math.MaxInt64} {
		err := sem.Release(ctx, n)
		var over *OverReleaseError
		if !errors.As(err, &over) || !errors.Is(err, ErrOverRelease) || !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("release %d: expected over-release usage error, got %v", n, err)
		}
		if over.Released != n || over.Initial != 2 {
			t.Fatalf("release %d: unexpected error fields %+v", n, over)
		}
	}
	if got := available(t, sem); got != 0 {
		t.Fatalf("expected available unchanged at 0, got %d", got)
	}
	if err := sem.Release(ctx, 2); err != nil {
		t.Fatalf("valid release: %v", err)
	}
}

func TestDBConnScenario(t *testing.T) {
	store := newTestStore(t)
	procA := newTestRegistry(t, store)
	procB := newTestRegistry(t, store)
	ctx := context.Background()

	semA, err := procA.RemoteSemaphore(ctx, "db-conn", 2)
	if err != nil {
		t.Fatalf("process A: %v", err)
	}
	semB, err := procB.RemoteSemaphore(ctx, "db-conn", 2)
	if err != nil {
		t.Fatalf("process B: %v", err)
	}
	if err := semA.Acquire(ctx, 2); err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	if got := available(t, semA); got != 0 {
		t.Fatalf("expected 0 available, got %d", got)
	}
	if ok, err := semB.TryAcquire(ctx, 1); err != nil || ok {
		t.Fatalf("expected B try-acquire to fail, ok=%v err=%v", ok, err)
	}

	acquired := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		acquired <- semB.Acquire(waitCtx, 1)
	}()
	select {
	case err := <-acquired:
		t.Fatalf("B acquired before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := semA.Release(ctx, 1); err != nil {
		t.Fatalf("A release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("B acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("B never acquired after release")
	}
	if got := available(t, semA); got != 0 {
		t.Fatalf("expected 0 available after B acquired, got %d", got)
	}
}

func TestAcquireTimeoutIsDistinguishable(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "busy", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = sem.AcquireTimeout(ctx, 1, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := available(t, sem); got != 0 {
		t.Fatalf("timeout must not change permits, got %d", got)
	}
}

func TestCancelledAcquireLeaksNothing(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "cancel", 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := sem.TryAcquire(ctx, 2); err != nil || !ok {
		t.Fatalf("try acquire: ok=%v err=%v", ok, err)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sem.Acquire(waitCtx, 1) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || errors.Is(err, ErrTimeout) {
			t.Fatalf("expected plain cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire ignored cancellation")
	}
	if err := sem.Release(ctx, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := available(t, sem); got != 2 {
		t.Fatalf("expected all permits back, got %d", got)
	}
}

// ackLossStore applies the first try-acquire and then reports the caller's
// context as cancelled, as happens when the acknowledgement is lost.
type ackLossStore struct {
	grid.Store
	cancel context.CancelFunc
	once   sync.Once
}

func (s *ackLossStore) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	res, err := s.Store.Invoke(ctx, key, p)
	if _, ok := p.(*TryAcquireProcessor); ok && err == nil && !grid.ReplayOnly(ctx) {
		lost := false
		s.once.Do(func() {
			s.cancel()
			lost = true
		})
		if lost {
			return nil, context.Canceled
		}
	}
	return res, err
}

func TestInterruptedAcquireIsReconciled(t *testing.T) {
	base := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lossy := &ackLossStore{Store: base, cancel: cancel}
	reg := newTestRegistry(t, lossy)
	sem, err := reg.RemoteSemaphore(context.Background(), "lossy", 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sem.Acquire(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := available(t, sem); got != 3 {
		t.Fatalf("expected permits handed back, got %d", got)
	}
}

func TestDrainAndRequestValidation(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t))
	ctx := context.Background()
	sem, err := reg.RemoteSemaphore(ctx, "drain", 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := sem.TryAcquire(ctx, 1); !ok {
		t.Fatal("expected try acquire to succeed")
	}
	n, err := sem.DrainPermits(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 drained, got %d err=%v", n, err)
	}
	if _, err := sem.TryAcquire(ctx, 5); !errors.Is(err, ErrInvalidPermits) {
		t.Fatalf("expected request above capacity to be invalid, got %v", err)
	}
	if err := sem.Release(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected zero release to be invalid, got %v", err)
	}
	if _, err := reg.RemoteSemaphore(ctx, " ", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected empty name to be rejected, got %v", err)
	}
	if _, err := reg.RemoteSemaphore(ctx, "neg", -1); !errors.Is(err, ErrInvalidPermits) {
		t.Fatalf("expected negative permits to be rejected, got %v", err)
	}
}

func TestClearDropsLocalAndRemoteState(t *testing.T) {
	store := newTestStore(t)
	reg := newTestRegistry(t, store)
	ctx := context.Background()
	old, err := reg.RemoteSemaphore(ctx, "cleared", 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	local, err := reg.LocalSemaphore("cleared", 1)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if err := reg.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(reg.Names()) != 0 {
		t.Fatalf("expected no cached handles, got %v", reg.Names())
	}
	if _, err := old.TryAcquire(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale handle to report ErrNotFound, got %v", err)
	}
	fresh, err := reg.RemoteSemaphore(ctx, "cleared", 5)
	if err != nil {
		t.Fatalf("recreate with new capacity: %v", err)
	}
	if fresh.InitialPermits() != 5 {
		t.Fatalf("expected new capacity 5, got %d", fresh.InitialPermits())
	}
	again, err := reg.LocalSemaphore("cleared", 1)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if again == local {
		t.Fatal("expected local semaphore to be recreated after clear")
	}
}
