package queues

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/gridsync/internal/evolvable"
	"pkt.systems/gridsync/internal/grid"
)

// runProcessor applies p to key over an in-memory entry set and commits the
// staged writes.
func runProcessor(t *testing.T, entries map[string][]byte, key QueueKey, p grid.Processor) []byte {
	t.Helper()
	staging := grid.NewStaging(Namespace, key.Queue, func(id string) ([]byte, bool) {
		v, ok := entries[id]
		return v, ok
	})
	out, err := grid.Run(p, staging.Entry(key.StorageID()))
	if err != nil {
		t.Fatalf("process %s: %v", key, err)
	}
	for _, c := range staging.Changes() {
		if c.Removed {
			delete(entries, c.ID)
			continue
		}
		entries[c.ID] = c.Value
	}
	return out
}

func pointerAt(t *testing.T, entries map[string][]byte, key QueueKey) int64 {
	t.Helper()
	var p pointer
	if err := decodeRecord(entries[key.StorageID()], &p, "pointer"); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return p.Position
}

func TestPointerLayout(t *testing.T) {
	entries := make(map[string][]byte)
	runProcessor(t, entries, TailKey("q"), &OfferProcessor{Element: []byte("a")})
	runProcessor(t, entries, TailKey("q"), &OfferProcessor{Element: []byte("b")})
	runProcessor(t, entries, HeadKey("q"), &OfferProcessor{Element: []byte("z")})

	if head, tail := pointerAt(t, entries, HeadKey("q")), pointerAt(t, entries, TailKey("q")); head != -1 || tail != 3 {
		t.Fatalf("unexpected pointers head=%d tail=%d", head, tail)
	}
	for pos, want := range map[int64]string{0: "z", 1: "a", 2: "b"} {
		if got := string(entries[QueueKey{Queue: "q", Position: pos}.StorageID()]); got != want {
			t.Fatalf("position %d holds %q, want %q", pos, got, want)
		}
	}
	if len(entries) != 5 {
		t.Fatalf("expected 3 elements and 2 pointers, got %d entries", len(entries))
	}
}

func TestPeekOnElementKeyUsesHead(t *testing.T) {
	entries := make(map[string][]byte)
	runProcessor(t, entries, TailKey("q"), &OfferProcessor{Element: []byte("a")})
	runProcessor(t, entries, TailKey("q"), &OfferProcessor{Element: []byte("b")})

	var res QueuePollResult
	out := runProcessor(t, entries, QueueKey{Queue: "q", Position: 2}, PeekProcessor{})
	if err := decodeRecord(out, &res, "result"); err != nil {
		t.Fatal(err)
	}
	if string(res.Element) != "a" || res.Position != 1 {
		t.Fatalf("expected head element, got %+v", res)
	}
}

func TestOfferProcessorEvolves(t *testing.T) {
	in := &OfferProcessor{Element: []byte("payload"), MaxSize: 9}
	var out OfferProcessor
	if _, err := evolvable.Unmarshal(evolvable.Marshal(in), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Element) != "payload" || out.MaxSize != 9 {
		t.Fatalf("unexpected decode %+v", out)
	}
}

// pollResultV2 adds a field a later release may carry.
type pollResultV2 struct {
	evolvable.Evolution
	Present   bool
	Position  int64
	Element   []byte
	Remaining int64
	Producer  string
}

func (*pollResultV2) ImplVersion() int32 { return 2 }

func (r *pollResultV2) AppendFields(enc *evolvable.Encoder) {
	enc.Bool(2, r.Present)
	enc.Int64(3, r.Position)
	enc.Bytes(4, r.Element)
	enc.Int64(5, r.Remaining)
	enc.Text(6, r.Producer)
}

func (r *pollResultV2) DecodeField(_ int32, f evolvable.Field) (bool, error) {
	var err error
	switch f.Num {
	case 2:
		r.Present, err = f.Bool()
	case 3:
		r.Position, err = f.Int64()
	case 4:
		r.Element, err = f.Bytes()
	case 5:
		r.Remaining, err = f.Int64()
	case 6:
		r.Producer, err = f.Text()
	default:
		return false, nil
	}
	return true, err
}

func TestPollResultKeepsNewerFields(t *testing.T) {
	data := evolvable.Marshal(&pollResultV2{Present: true, Position: 4, Element: []byte("job"), Remaining: 2, Producer: "node-b"})

	var res QueuePollResult
	if _, err := evolvable.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Present || res.Position != 4 || string(res.Element) != "job" || res.Remaining != 2 {
		t.Fatalf("unexpected decode %+v", res)
	}
	if !res.HasFutureData() {
		t.Fatal("expected the producer field to be retained")
	}
	res.Remaining = 1

	var back pollResultV2
	version, err := evolvable.Unmarshal(evolvable.Marshal(&res), &back)
	if err != nil {
		t.Fatalf("unmarshal rewritten: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected rewritten payload to keep version 2, got %d", version)
	}
	if back.Producer != "node-b" || back.Remaining != 1 || string(back.Element) != "job" {
		t.Fatalf("unexpected round trip %+v", back)
	}
}

func TestParseStorageID(t *testing.T) {
	for _, key := range []QueueKey{HeadKey("a#b"), TailKey("q"), {Queue: "q", Position: -4}} {
		got, err := ParseStorageID(key.StorageID())
		if err != nil {
			t.Fatalf("parse %s: %v", key, err)
		}
		if got != key {
			t.Fatalf("expected %v, got %v", key, got)
		}
	}
	for _, bad := range []string{"", "#1", "q#", "q#x"} {
		if _, err := ParseStorageID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

// ackLossStore applies the first poll and then reports the caller's context
// as cancelled, as happens when the reply is lost.
type ackLossStore struct {
	grid.Store
	cancel context.CancelFunc
	once   sync.Once
}

func (s *ackLossStore) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	res, err := s.Store.Invoke(ctx, key, p)
	if _, ok := p.(PollProcessor); ok && err == nil && !grid.ReplayOnly(ctx) {
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

func TestInterruptedPollReturnsRemovedElement(t *testing.T) {
	base := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService(t, &ackLossStore{Store: base, cancel: cancel}, 0)
	q := newTestQueue(t, svc, "lossy")
	mustOffer(t, q, "precious")

	res, err := q.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.Present || string(res.Element) != "precious" {
		t.Fatalf("expected the removed element back, got %+v", res)
	}
	if n, err := q.Size(context.Background()); err != nil || n != 0 {
		t.Fatalf("size: n=%d err=%v", n, err)
	}
}
