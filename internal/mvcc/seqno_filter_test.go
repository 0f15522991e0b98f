package mvcc

import (
	"testing"

	"github.com/mbrt/lsmtree/internal/key"
)

func TestSeqNoFilterHidesNewerEntries(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 5, key.Value, "too-new"),
		iv("a", 2, key.Value, "visible"),
		iv("b", 7, key.Value, "too-new"),
	}
	f := NewSeqNoFilter(newSliceSource(items), 5)

	var got []string
	for f.SeekToFirst(); f.Valid(); f.Next() {
		got = append(got, string(f.Value()))
	}
	if len(got) != 1 || got[0] != "visible" {
		t.Fatalf("forward = %v, want [visible]", got)
	}

	got = nil
	for f.SeekToLast(); f.Valid(); f.Prev() {
		got = append(got, string(f.Value()))
	}
	if len(got) != 1 || got[0] != "visible" {
		t.Fatalf("backward = %v, want [visible]", got)
	}
}

// A stream over a filtered source must collapse to the newest *visible*
// version, not the newest version outright.
func TestSeqNoFilterWithStream(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 9, key.Value, "after-snapshot"),
		iv("a", 3, key.Value, "at-snapshot"),
		iv("a", 1, key.Value, "before-snapshot"),
	}
	s := New(NewSeqNoFilter(newSliceSource(items), 4))
	s.SeekToFirst()
	if !s.Valid() || string(s.Value()) != "at-snapshot" {
		t.Fatalf("stream over filtered source = %q (valid=%v), want at-snapshot", s.Value(), s.Valid())
	}
	s.Next()
	if s.Valid() {
		t.Fatalf("expected exactly one visible entry, got another: %q", s.Value())
	}
}

// A tombstone written after the snapshot barrier must not shadow an older
// visible value.
func TestSeqNoFilterIgnoresNewerTombstone(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 6, key.Tombstone, ""),
		iv("a", 2, key.Value, "survives"),
	}
	s := New(NewSeqNoFilter(newSliceSource(items), 5))
	s.SeekToFirst()
	if !s.Valid() || string(s.Value()) != "survives" {
		t.Fatalf("got %q (valid=%v), want survives", s.Value(), s.Valid())
	}
}
