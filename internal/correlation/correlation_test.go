package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	trimmed := "  xyz  "
	if got, ok := Normalize(trimmed); !ok || got != "xyz" {
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

func TestWithAndEnsure(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = With(ctx, "")
	if ID(ctx) != "" {
		t.Fatalf("expected invalid id to be ignored")
	}
	ctx = With(ctx, " foo ")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	same, id := Ensure(ctx)
	if id != "foo" || ID(same) != "foo" {
		t.Fatalf("ensure replaced existing id: %q", id)
	}
	fresh, id := Ensure(context.Background())
	if id == "" || ID(fresh) != id {
		t.Fatalf("ensure did not attach a generated id: %q vs %q", id, ID(fresh))
	}
}

func TestGenerate(t *testing.T) {
	id := Generate()
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if len(id) > MaxIDLength {
		t.Fatalf("generated id length %d exceeds limit", len(id))
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
}
