package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("abc-123"); !ok || got != "abc-123" {
		t.Fatalf("expected abc-123 to normalize, got %q ok=%v", got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetIgnoresInvalid(t *testing.T) {
	ctx := Set(context.Background(), "")
	if ID(ctx) != "" {
		t.Fatal("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if ID(ctx) != "foo" {
		t.Fatalf("expected foo, got %q", ID(ctx))
	}
}

func TestEnsureKeepsExisting(t *testing.T) {
	ctx, id := Ensure(Set(context.Background(), "fixed"))
	if id != "fixed" || ID(ctx) != "fixed" {
		t.Fatalf("expected existing id to be kept, got %q", id)
	}
	_, minted := Ensure(context.Background())
	if minted == "" {
		t.Fatal("expected a minted id")
	}
}
