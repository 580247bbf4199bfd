// Package objectstoretest holds the behaviour every objectstore backend must
// share.
package objectstoretest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/gridsync/internal/objectstore"
)

// Run exercises backend against the objectstore contract. The backend must be
// empty under prefix "contract/".
func Run(t *testing.T, backend objectstore.Backend) {
	t.Helper()
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, backend) })
	t.Run("Conditional", func(t *testing.T) { testConditional(t, backend) })
	t.Run("List", func(t *testing.T) { testList(t, backend) })
	t.Run("RacingCreators", func(t *testing.T) { testRacingCreators(t, backend) })
}

func testLifecycle(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	key := "contract/lifecycle/alpha"
	if _, _, err := b.Get(ctx, key); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	info, err := b.Put(ctx, key, []byte("v1"), objectstore.PutOptions{ContentType: objectstore.ContentTypeProtobuf})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("put returned empty etag")
	}
	data, got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "v1" || got.ETag != info.ETag {
		t.Fatalf("get returned %q etag %q, want v1 etag %q", data, got.ETag, info.ETag)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{}); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignoring not found: %v", err)
	}
}

func testConditional(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	key := "contract/conditional/beta"
	first, err := b.Put(ctx, key, []byte("one"), objectstore.PutOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.Put(ctx, key, []byte("again"), objectstore.PutOptions{IfNotExists: true}); !errors.Is(err, objectstore.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create, got %v", err)
	}
	second, err := b.Put(ctx, key, []byte("two"), objectstore.PutOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if second.ETag == first.ETag {
		t.Fatalf("etag did not change across writes")
	}
	if _, err := b.Put(ctx, key, []byte("stale"), objectstore.PutOptions{ExpectedETag: first.ETag}); !errors.Is(err, objectstore.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale update, got %v", err)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{ExpectedETag: first.ETag}); !errors.Is(err, objectstore.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale delete, got %v", err)
	}
	data, _, err := b.Get(ctx, key)
	if err != nil || string(data) != "two" {
		t.Fatalf("get after failed writes: %q %v", data, err)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{ExpectedETag: second.ETag}); err != nil {
		t.Fatalf("cas delete: %v", err)
	}
	if _, err := b.Put(ctx, key, []byte("gone"), objectstore.PutOptions{ExpectedETag: second.ETag}); !errors.Is(err, objectstore.ErrNotFound) && !errors.Is(err, objectstore.ErrCASMismatch) {
		t.Fatalf("expected not found or cas mismatch on missing key, got %v", err)
	}
}

func testList(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	for _, key := range []string{"contract/list/b", "contract/list/a", "contract/listing/c"} {
		if _, err := b.Put(ctx, key, []byte(key), objectstore.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := b.List(ctx, "contract/list/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "contract/list/a" || infos[1].Key != "contract/list/b" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	for _, info := range infos {
		if err := b.Delete(ctx, info.Key, objectstore.DeleteOptions{ExpectedETag: info.ETag}); err != nil {
			t.Fatalf("delete listed %s: %v", info.Key, err)
		}
	}
	if err := b.Delete(ctx, "contract/listing/c", objectstore.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func testRacingCreators(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	key := "contract/race/gamma"
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Put(ctx, key, []byte{byte(i)}, objectstore.PutOptions{IfNotExists: true})
			switch {
			case err == nil:
				winners.Add(1)
			case !errors.Is(err, objectstore.ErrCASMismatch):
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one creator to win, got %d", n)
	}
	if err := b.Delete(ctx, key, objectstore.DeleteOptions{}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// RunShared checks that two backends over the same underlying storage see
// each other's conditional writes. Both must be empty under "contract/".
func RunShared(t *testing.T, a, b objectstore.Backend) {
	t.Helper()
	t.Run("SharedCounter", func(t *testing.T) { testSharedCounter(t, a, b) })
}

func testSharedCounter(t *testing.T, a, b objectstore.Backend) {
	ctx := context.Background()
	key := "contract/shared/counter"
	if _, err := a.Put(ctx, key, []byte("0"), objectstore.PutOptions{IfNotExists: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	const (
		workers    = 8
		increments = 25
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		backend := a
		if i%2 == 1 {
			backend = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < increments; n++ {
				for {
					data, info, err := backend.Get(ctx, key)
					if err != nil {
						t.Errorf("get: %v", err)
						return
					}
					v, err := strconv.Atoi(string(data))
					if err != nil {
						t.Errorf("decode %q: %v", data, err)
						return
					}
					_, err = backend.Put(ctx, key, []byte(strconv.Itoa(v+1)), objectstore.PutOptions{ExpectedETag: info.ETag})
					if err == nil {
						break
					}
					if !errors.Is(err, objectstore.ErrCASMismatch) {
						t.Errorf("put: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	data, _, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got := string(data); got != strconv.Itoa(workers*increments) {
		t.Fatalf("counter = %s, want %d; conditional writes were lost", got, workers*increments)
	}
	if err := a.Delete(ctx, key, objectstore.DeleteOptions{}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
