package semaphores

import (
	"math"
	"testing"
)

func TestEnsureCreatesOnlyWhenAbsent(t *testing.T) {
	next, out := (&EnsureProcessor{Permits: 3, NowMilli: 7}).apply(nil)
	if next == nil || next.InitialPermits != 3 || next.AvailablePermits != 3 || next.UpdatedAtUnixMilli != 7 {
		t.Fatalf("unexpected created status: %+v", next)
	}
	if !out.Created || out.Value != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	existing := &Status{InitialPermits: 5, AvailablePermits: 1}
	next, out = (&EnsureProcessor{Permits: 3}).apply(existing)
	if next != nil {
		t.Fatal("ensure must not rewrite an existing status")
	}
	if out.Created || out.Value != 5 {
		t.Fatalf("expected stored capacity 5, got %+v", out)
	}
}

func TestTryAcquireTransition(t *testing.T) {
	cur := &Status{InitialPermits: 2, AvailablePermits: 2}
	next, out := (&TryAcquireProcessor{Permits: 2}).apply(cur)
	if !out.OK || next == nil || next.AvailablePermits != 0 {
		t.Fatalf("expected acquire of 2, got next=%+v out=%+v", next, out)
	}
	if cur.AvailablePermits != 2 {
		t.Fatal("transition must not mutate its input")
	}
	next, out = (&TryAcquireProcessor{Permits: 1}).apply(&Status{InitialPermits: 2})
	if out.OK || next != nil || out.Value != 0 {
		t.Fatalf("expected failed acquire without write, got next=%+v out=%+v", next, out)
	}
	if _, out = (&TryAcquireProcessor{Permits: 1}).apply(nil); !out.Missing {
		t.Fatal("expected missing outcome for absent status")
	}
}

func TestReleaseRejectsOverRelease(t *testing.T) {
	next, out := (&ReleaseProcessor{Permits: 1}).apply(&Status{InitialPermits: 2, AvailablePermits: 1})
	if !out.OK || next.AvailablePermits != 2 {
		t.Fatalf("expected release to 2, got next=%+v out=%+v", next, out)
	}
	next, out = (&ReleaseProcessor{Permits: 2}).apply(&Status{InitialPermits: 2, AvailablePermits: 1})
	if out.OK || next != nil {
		t.Fatalf("expected over-release rejected without write, got next=%+v out=%+v", next, out)
	}
	if out.Value != 1 || out.Initial != 2 {
		t.Fatalf("expected outcome to describe current state, got %+v", out)
	}
}

func TestReleaseRejectsOverflowingCount(t *testing.T) {
	cur := &Status{InitialPermits: 2, AvailablePermits: 1}
	next, out := (&ReleaseProcessor{Permits: math.MaxInt64}).apply(cur)
	if out.OK || next != nil {
		t.Fatalf("expected huge release rejected without write, got next=%+v out=%+v", next, out)
	}
	if out.Value != 1 || out.Initial != 2 {
		t.Fatalf("expected outcome to describe current state, got %+v", out)
	}
}

func TestDrainTakesEverything(t *testing.T) {
	next, out := (&DrainProcessor{}).apply(&Status{InitialPermits: 4, AvailablePermits: 3})
	if out.Value != 3 || next.AvailablePermits != 0 {
		t.Fatalf("unexpected drain: next=%+v out=%+v", next, out)
	}
	next, out = (&DrainProcessor{}).apply(&Status{InitialPermits: 4})
	if out.Value != 0 || next != nil {
		t.Fatalf("drain of empty semaphore must not write, got next=%+v out=%+v", next, out)
	}
}
