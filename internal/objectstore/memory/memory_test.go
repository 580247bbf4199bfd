package memory

import (
	"context"
	"testing"
	"time"

	"pkt.systems/gridsync/internal/objectstore"
	"pkt.systems/gridsync/internal/objectstore/objectstoretest"
)

func TestContract(t *testing.T) {
	store := New()
	defer store.Close()
	objectstoretest.Run(t, store)
}

func TestWatchSignalsWrites(t *testing.T) {
	store := New()
	defer store.Close()
	sub, err := store.Watch("grid/alpha")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	if _, err := store.Put(context.Background(), "grid/alpha", []byte("x"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", []byte("abc"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, _, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data[0] = 'z'
	again, _, _ := store.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through Get: %q", again)
	}
}
