package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  batch-1  "); !ok || got != "batch-1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
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

func TestSetAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	if Has(Set(ctx, " ")) {
		t.Fatalf("expected invalid id to be ignored")
	}
	outer := Set(ctx, "outer")
	inner := Set(outer, "inner")
	if ID(outer) != "outer" || ID(inner) != "inner" {
		t.Fatalf("expected independent values, got %q %q", ID(outer), ID(inner))
	}
}

func TestGenerateUnique(t *testing.T) {
	a, b := Generate(), Generate()
	if a == b || a == "" {
		t.Fatalf("expected unique ids, got %q %q", a, b)
	}
	if _, ok := Normalize(a); !ok {
		t.Fatalf("generated id %q does not normalize", a)
	}
}
