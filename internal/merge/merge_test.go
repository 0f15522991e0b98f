package merge

import (
	"testing"

	"github.com/mbrt/lsmtree/internal/key"
)

func iv(userKey string, seqno uint64, typ key.ValueType, value string) key.InternalValue {
	return key.NewValue(key.New([]byte(userKey), seqno, typ), []byte(value))
}

func collectForward(it *Iterator) []key.InternalValue {
	var out []key.InternalValue
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, key.NewValue(it.Key(), append([]byte{}, it.Value()...)))
	}
	return out
}

func TestMergeForwardOrdersAcrossSources(t *testing.T) {
	a := newSliceSource([]key.InternalValue{iv("a", 0, key.Value, "1"), iv("c", 0, key.Value, "3")})
	b := newSliceSource([]key.InternalValue{iv("b", 0, key.Value, "2")})

	it := New([]Source{a, b})
	it.SeekToFirst()

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey))
		it.Next()
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeNewestVersionFirst(t *testing.T) {
	// Source index 0 is "newer" per tie-break rule.
	newer := newSliceSource([]key.InternalValue{iv("a", 5, key.Value, "new")})
	older := newSliceSource([]key.InternalValue{iv("a", 5, key.Value, "old")})

	it := New([]Source{newer, older})
	it.SeekToFirst()
	if !it.Valid() {
		t.Fatalf("expected a valid first item")
	}
	if string(it.Value()) != "new" {
		t.Fatalf("Value() = %q, want new (lower source index wins tie)", it.Value())
	}
}

func TestMergeForwardBackwardSymmetry(t *testing.T) {
	a := newSliceSource([]key.InternalValue{
		iv("a", 2, key.Value, "a2"),
		iv("a", 1, key.Value, "a1"),
		iv("c", 0, key.Value, "c0"),
	})
	b := newSliceSource([]key.InternalValue{iv("b", 0, key.Value, "b0")})

	it := New([]Source{a, b})
	forward := collectForward(it)

	it2 := New([]Source{a, b})
	var backward []key.InternalValue
	for it2.SeekToLast(); it2.Valid(); it2.Prev() {
		backward = append(backward, key.NewValue(it2.Key(), append([]byte{}, it2.Value()...)))
	}

	if len(forward) != len(backward) {
		t.Fatalf("forward len=%d backward len=%d", len(forward), len(backward))
	}
	for i := range forward {
		j := len(backward) - 1 - i
		if !key.Equal(forward[i].Key, backward[j].Key) {
			t.Fatalf("mismatch at %d: forward=%+v backward=%+v", i, forward[i].Key, backward[j].Key)
		}
	}
}

func TestMergeDirectionSwitchNoDuplication(t *testing.T) {
	a := newSliceSource([]key.InternalValue{
		iv("a", 0, key.Value, "a"),
		iv("b", 0, key.Value, "b"),
		iv("c", 0, key.Value, "c"),
		iv("d", 0, key.Value, "d"),
	})

	it := New([]Source{a})
	it.SeekToFirst()
	var seen []string
	seen = append(seen, string(it.Key().UserKey)) // a
	it.Next()
	seen = append(seen, string(it.Key().UserKey)) // b
	it.Next()
	seen = append(seen, string(it.Key().UserKey)) // c
	it.Prev()
	seen = append(seen, string(it.Key().UserKey)) // should be b again
	it.Next()
	seen = append(seen, string(it.Key().UserKey)) // c again

	want := []string{"a", "b", "c", "b", "c"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("step %d: got %v, want %v (full: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestEvictOldVersionsDropsSuperseded(t *testing.T) {
	a := newSliceSource([]key.InternalValue{
		iv("a", 2, key.Value, "newest"),
		iv("a", 1, key.Value, "mid"),
		iv("a", 0, key.Value, "oldest"),
		iv("b", 0, key.Value, "b"),
	})

	it := New([]Source{a}).WithEvictOldVersions(true)
	var got []key.InternalValue
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, key.NewValue(it.Key(), it.Value()))
	}

	if len(got) != 2 {
		t.Fatalf("expected only newest version of a plus b, got %d items: %+v", len(got), got)
	}
	if string(got[0].Value) != "newest" {
		t.Fatalf("got[0] = %q, want newest", got[0].Value)
	}
}

func TestMultiReaderChainsDisjointSegments(t *testing.T) {
	seg1 := newSliceSource([]key.InternalValue{iv("a", 0, key.Value, "1"), iv("b", 0, key.Value, "2")})
	seg2 := newSliceSource([]key.InternalValue{iv("c", 0, key.Value, "3"), iv("d", 0, key.Value, "4")})

	mr := NewMultiReader([]Source{seg1, seg2})
	var got []string
	for mr.SeekToFirst(); mr.Valid(); mr.Next() {
		got = append(got, string(mr.Key().UserKey))
	}
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMultiReaderBackward(t *testing.T) {
	seg1 := newSliceSource([]key.InternalValue{iv("a", 0, key.Value, "1"), iv("b", 0, key.Value, "2")})
	seg2 := newSliceSource([]key.InternalValue{iv("c", 0, key.Value, "3")})

	mr := NewMultiReader([]Source{seg1, seg2})
	var got []string
	for mr.SeekToLast(); mr.Valid(); mr.Prev() {
		got = append(got, string(mr.Key().UserKey))
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
