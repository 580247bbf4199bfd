package logging_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/gridsync/internal/correlation"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/grid/logging"
	"pkt.systems/gridsync/internal/grid/partitioned"
	"pkt.systems/pslog"
)

type recordingStore struct {
	grid.Store
	ids []string
}

func (r *recordingStore) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	r.ids = append(r.ids, grid.InvocationID(ctx))
	return r.Store.Invoke(ctx, key, p)
}

func TestWrapPassesThroughAndTagsInvocation(t *testing.T) {
	engine, err := partitioned.New(partitioned.Config{Partitions: 2})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &recordingStore{Store: engine}
	store := logging.Wrap(rec, pslog.NoopLogger(), "test")
	defer store.Close()

	ctx := correlation.Set(context.Background(), "cid-1")
	key := grid.Key{Namespace: "ns", ID: "k"}
	res, err := store.Invoke(ctx, key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		e.SetValue([]byte("v"))
		return []byte("done"), nil
	}))
	if err != nil || string(res) != "done" {
		t.Fatalf("invoke: %q %v", res, err)
	}
	if len(rec.ids) != 1 || rec.ids[0] == "" {
		t.Fatalf("expected invocation id to be assigned, got %v", rec.ids)
	}
	if v, err := store.Get(ctx, key); err != nil || string(v) != "v" {
		t.Fatalf("get: %q %v", v, err)
	}
	if err := store.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, grid.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Clear(ctx, "ns"); err != nil {
		t.Fatalf("clear: %v", err)
	}
}
