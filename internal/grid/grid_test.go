package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKeyRoutingAndSiblings(t *testing.T) {
	plain := Key{Namespace: "semaphores", ID: "db-conn"}
	if plain.RoutingKey() != "db-conn" {
		t.Fatalf("expected id routing, got %q", plain.RoutingKey())
	}
	grouped := Key{Namespace: "queues", ID: "orders/5", Affinity: "orders"}
	sib := grouped.Sibling("orders/6")
	if sib.RoutingKey() != "orders" || sib.Namespace != "queues" {
		t.Fatalf("sibling lost routing: %+v", sib)
	}
	if err := (Key{Namespace: "x"}).Validate(); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestTransientWrapping(t *testing.T) {
	err := NewTransientError(ErrPartitionTransfer)
	wrapped := fmt.Errorf("invoke: %w", err)
	if !IsTransient(wrapped) {
		t.Fatal("expected wrapped transient error to be detected")
	}
	if !errors.Is(wrapped, ErrPartitionTransfer) {
		t.Fatal("expected cause to remain visible")
	}
	if NewTransientError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if IsTransient(ErrNotFound) {
		t.Fatal("plain errors are not transient")
	}
}

func TestStagingAppliesOnlyOnRequest(t *testing.T) {
	committed := map[string][]byte{"a": []byte("1")}
	staging := NewStaging("ns", "group", func(id string) ([]byte, bool) {
		v, ok := committed[id]
		return v, ok
	})
	entry := staging.Entry("a")
	if !entry.Present() || string(entry.Value()) != "1" {
		t.Fatalf("unexpected initial view: present=%v value=%q", entry.Present(), entry.Value())
	}
	entry.SetValue([]byte("2"))
	other := entry.Related("b")
	if other.Present() {
		t.Fatal("related entry should be absent")
	}
	other.SetValue([]byte("x"))
	other.Remove()
	if other.Present() {
		t.Fatal("removed entry should read absent")
	}
	if string(committed["a"]) != "1" {
		t.Fatal("staging must not touch committed state")
	}
	changes := staging.Changes()
	if len(changes) != 2 || changes[0].ID != "a" || string(changes[0].Value) != "2" || !changes[1].Removed {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if other.Key().RoutingKey() != "group" {
		t.Fatalf("related key lost affinity: %v", other.Key())
	}
}

func TestRunRecoversPanics(t *testing.T) {
	staging := NewStaging("ns", "", func(string) ([]byte, bool) { return nil, false })
	_, err := Run(ProcessorFunc(func(Entry) ([]byte, error) { panic("boom") }), staging.Entry("k"))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic to surface as error, got %v", err)
	}
}

func TestLedgerEvictsOldest(t *testing.T) {
	l := NewLedger(2)
	l.Record("a", []byte("1"))
	l.Record("b", []byte("2"))
	l.Record("c", []byte("3"))
	if _, ok := l.Lookup("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if res, ok := l.Lookup("c"); !ok || string(res) != "3" {
		t.Fatalf("unexpected lookup: %q %v", res, ok)
	}
	clone := l.Clone()
	clone.Record("d", nil)
	if _, ok := l.Lookup("d"); ok {
		t.Fatal("clone must be independent")
	}
}

func TestInvocationContext(t *testing.T) {
	ctx, id := EnsureInvocationID(context.Background())
	if id == "" || InvocationID(ctx) != id {
		t.Fatalf("expected minted id on context, got %q", InvocationID(ctx))
	}
	again, same := EnsureInvocationID(ctx)
	if same != id || InvocationID(again) != id {
		t.Fatal("expected existing id to be reused")
	}
	if ReplayOnly(ctx) || !ReplayOnly(WithReplayOnly(ctx)) {
		t.Fatal("replay flag mismatch")
	}
}
