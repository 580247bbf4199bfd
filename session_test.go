package gridsync

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"pkt.systems/gridsync/queues"
	"pkt.systems/gridsync/semaphores"
)

func openTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	sess, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestFindSessionBeforeOpen(t *testing.T) {
	if _, err := FindSession("never-opened"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("expected ErrSessionNotInitialized, got %v", err)
	}
	if _, err := RemoteSemaphore(context.Background(), "never-opened", "s", 1); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("expected ErrSessionNotInitialized from facade, got %v", err)
	}
	if _, err := Queue("never-opened", "q"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("expected ErrSessionNotInitialized from queue facade, got %v", err)
	}
}

func TestOpenFindClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	sess, err := Open(context.Background(), Config{SessionName: "lifecycle"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	found, err := FindSession("lifecycle")
	if err != nil || found != sess {
		t.Fatalf("find returned %v err %v", found, err)
	}
	if _, err := Open(context.Background(), Config{SessionName: "lifecycle"}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := FindSession("lifecycle"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("expected closed session to be gone, got %v", err)
	}
}

func TestSessionSemaphoresAndQueues(t *testing.T) {
	sess := openTestSession(t, Config{SessionName: "facade"})
	ctx := context.Background()

	sem, err := RemoteSemaphore(ctx, "facade", "exports", 2)
	if err != nil {
		t.Fatalf("remote semaphore: %v", err)
	}
	if err := sem.Acquire(ctx, 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := sem.TryAcquire(ctx, 1); err != nil || ok {
		t.Fatalf("expected exhausted semaphore, ok=%v err=%v", ok, err)
	}
	var mismatch *semaphores.CapacityMismatchError
	if _, err := sess.RemoteSemaphore(ctx, "exports", 3); !errors.As(err, &mismatch) {
		t.Fatalf("expected capacity mismatch, got %v", err)
	}

	local, err := LocalSemaphore("facade", "workers", 1)
	if err != nil {
		t.Fatalf("local semaphore: %v", err)
	}
	if ok, _ := local.TryAcquire(1); !ok {
		t.Fatal("expected local permit")
	}

	if ok, err := sess.Offer(ctx, queues.TailKey("jobs"), []byte("a")); err != nil || !ok {
		t.Fatalf("offer ok=%v err=%v", ok, err)
	}
	res, err := sess.Peek(ctx, queues.HeadKey("jobs"))
	if err != nil || string(res.Element) != "a" {
		t.Fatalf("peek %+v err %v", res, err)
	}
	res, err = sess.Poll(ctx, queues.HeadKey("jobs"))
	if err != nil || string(res.Element) != "a" {
		t.Fatalf("poll %+v err %v", res, err)
	}

	if err := sess.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	sem, err = sess.RemoteSemaphore(ctx, "exports", 3)
	if err != nil {
		t.Fatalf("recreate after clear: %v", err)
	}
	if n, err := sem.AvailablePermits(ctx); err != nil || n != 3 {
		t.Fatalf("expected 3 fresh permits, got %d err %v", n, err)
	}
}

func TestSessionsShareSQLiteStore(t *testing.T) {
	store := "sqlite://" + filepath.Join(t.TempDir(), "grid.db")
	a := openTestSession(t, Config{SessionName: "sqlite-a", Store: store})
	b := openTestSession(t, Config{SessionName: "sqlite-b", Store: store})
	ctx := context.Background()

	semA, err := a.RemoteSemaphore(ctx, "shared", 1)
	if err != nil {
		t.Fatalf("semaphore a: %v", err)
	}
	semB, err := b.RemoteSemaphore(ctx, "shared", 1)
	if err != nil {
		t.Fatalf("semaphore b: %v", err)
	}
	if ok, err := semA.TryAcquire(ctx, 1); err != nil || !ok {
		t.Fatalf("a acquire ok=%v err=%v", ok, err)
	}
	if ok, err := semB.TryAcquire(ctx, 1); err != nil || ok {
		t.Fatalf("b must see the held permit, ok=%v err=%v", ok, err)
	}
	if err := semA.Release(ctx, 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := semB.TryAcquire(ctx, 1); err != nil || !ok {
		t.Fatalf("b acquire after release ok=%v err=%v", ok, err)
	}

	qa, _ := a.Queue("jobs")
	qb, _ := b.Queue("jobs")
	if ok, err := qa.Offer(ctx, []byte("x")); err != nil || !ok {
		t.Fatalf("offer ok=%v err=%v", ok, err)
	}
	res, err := qb.Poll(ctx)
	if err != nil || string(res.Element) != "x" {
		t.Fatalf("poll from other session %+v err %v", res, err)
	}
}

func TestSessionsShareDiskStoreMutualExclusion(t *testing.T) {
	store := "disk://" + t.TempDir()
	a := openTestSession(t, Config{SessionName: "disk-a", Store: store})
	b := openTestSession(t, Config{SessionName: "disk-b", Store: store})
	ctx := context.Background()

	var sems []*semaphores.DistributedSemaphore
	for _, sess := range []*Session{a, b} {
		sem, err := sess.RemoteSemaphore(ctx, "exclusive", 1)
		if err != nil {
			t.Fatalf("semaphore %s: %v", sess.Name(), err)
		}
		sems = append(sems, sem)
	}
	var (
		wg       sync.WaitGroup
		holders  atomic.Int32
		acquired atomic.Int32
	)
	for i := 0; i < 8; i++ {
		sem := sems[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 25; round++ {
				ok, err := sem.TryAcquire(ctx, 1)
				if err != nil {
					t.Errorf("try acquire: %v", err)
					return
				}
				if !ok {
					continue
				}
				acquired.Add(1)
				if n := holders.Add(1); n > 1 {
					t.Errorf("%d concurrent holders of a 1-permit semaphore", n)
				}
				holders.Add(-1)
				if err := sem.Release(ctx, 1); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if acquired.Load() == 0 {
		t.Fatal("no acquire succeeded")
	}
	if n, err := sems[0].AvailablePermits(ctx); err != nil || n != 1 {
		t.Fatalf("expected the permit back, got %d err %v", n, err)
	}
}

func TestSessionsShareDiskQueueDeliverOnce(t *testing.T) {
	store := "disk://" + t.TempDir()
	a := openTestSession(t, Config{SessionName: "disk-qa", Store: store})
	b := openTestSession(t, Config{SessionName: "disk-qb", Store: store})
	ctx := context.Background()

	qa, err := a.Queue("work")
	if err != nil {
		t.Fatalf("queue a: %v", err)
	}
	qb, err := b.Queue("work")
	if err != nil {
		t.Fatalf("queue b: %v", err)
	}
	const total = 30
	for i := 0; i < total; i++ {
		if ok, err := qa.Offer(ctx, []byte(strconv.Itoa(i))); err != nil || !ok {
			t.Fatalf("offer %d: ok=%v err=%v", i, ok, err)
		}
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		q := qa
		if i%2 == 1 {
			q = qb
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := q.Poll(ctx)
				if err != nil {
					t.Errorf("poll: %v", err)
					return
				}
				if !res.Present {
					return
				}
				mu.Lock()
				seen[string(res.Element)]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("delivered %d distinct elements, want %d", len(seen), total)
	}
	for element, n := range seen {
		if n != 1 {
			t.Fatalf("element %s delivered %d times", element, n)
		}
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{SessionName: "bad", Store: "ftp://nope"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := FindSession("bad"); !errors.Is(err, ErrSessionNotInitialized) {
		t.Fatalf("failed open must not register, got %v", err)
	}
}
