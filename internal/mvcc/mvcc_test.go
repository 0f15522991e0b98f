package mvcc

import (
	"sort"
	"testing"

	"github.com/mbrt/lsmtree/internal/key"
)

// sliceSource is a test-only Source backed by a sorted in-memory slice,
// mirroring internal/merge's test double.
type sliceSource struct {
	items []key.InternalValue
	idx   int
}

func newSliceSource(items []key.InternalValue) *sliceSource {
	sorted := append([]key.InternalValue{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return key.Compare(sorted[i].Key, sorted[j].Key) < 0 })
	return &sliceSource{items: sorted, idx: -1}
}

func (s *sliceSource) SeekToFirst() { s.idx = 0 }
func (s *sliceSource) SeekToLast()  { s.idx = len(s.items) - 1 }

func (s *sliceSource) SeekInternal(target key.InternalKey) {
	s.idx = sort.Search(len(s.items), func(i int) bool {
		return key.Compare(s.items[i].Key, target) >= 0
	})
}

func (s *sliceSource) SeekForPrevInternal(target key.InternalKey) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return key.Compare(s.items[i].Key, target) > 0
	})
	s.idx = idx - 1
}

func (s *sliceSource) Valid() bool         { return s.idx >= 0 && s.idx < len(s.items) }
func (s *sliceSource) Next()               { s.idx++ }
func (s *sliceSource) Prev()               { s.idx-- }
func (s *sliceSource) Key() key.InternalKey { return s.items[s.idx].Key }
func (s *sliceSource) Value() []byte       { return s.items[s.idx].Value }
func (s *sliceSource) Err() error          { return nil }

func iv(userKey string, seqno uint64, typ key.ValueType, value string) key.InternalValue {
	return key.NewValue(key.New([]byte(userKey), seqno, typ), []byte(value))
}

func collectForward(items []key.InternalValue) []key.InternalValue {
	s := New(newSliceSource(items))
	var out []key.InternalValue
	for s.SeekToFirst(); s.Valid(); s.Next() {
		out = append(out, key.NewValue(s.Key(), append([]byte{}, s.Value()...)))
	}
	return out
}

func collectBackward(items []key.InternalValue) []key.InternalValue {
	s := New(newSliceSource(items))
	var out []key.InternalValue
	for s.SeekToLast(); s.Valid(); s.Prev() {
		out = append(out, key.NewValue(s.Key(), append([]byte{}, s.Value()...)))
	}
	return out
}

func assertValues(t *testing.T, got []key.InternalValue, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d entries %v, want %d entries %v", len(got), got, len(want), want)
	}
	for i, w := range want {
		if string(got[i].Value) != w {
			t.Fatalf("entry %d: got value %q, want %q (full: %v)", i, got[i].Value, w, got)
		}
	}
}

// Only the newest version of a key survives the collapse.
func TestMVCCCollapse(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "alpha"),
		iv("a", 1, key.Value, "beta"),
		iv("a", 2, key.Value, "gamma"),
	}
	assertValues(t, collectForward(items), []string{"gamma"})
}

// A plain tombstone shadows every older version; the stream surfaces the
// tombstone itself (callers decide whether to show it).
func TestMVCCTombstoneShadowing(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "alpha"),
		iv("a", 1, key.Tombstone, ""),
	}
	got := collectForward(items)
	if len(got) != 1 || got[0].Key.Type != key.Tombstone {
		t.Fatalf("expected a single tombstone entry, got %v", got)
	}
}

// A weak tombstone cancels exactly one older Value.
func TestMVCCWeakTombstoneSingleDelete(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "alpha"),
		iv("a", 1, key.Value, "beta"),
		iv("a", 2, key.WeakTombstone, ""),
	}
	assertValues(t, collectForward(items), []string{"alpha"})
}

// A weak tombstone over a single value disappears entirely.
func TestMVCCWeakTombstoneOverSingleValueDisappears(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "alpha"),
		iv("a", 1, key.WeakTombstone, ""),
	}
	if got := collectForward(items); len(got) != 0 {
		t.Fatalf("expected no visible entries, got %v", got)
	}
}

func TestMVCCSimpleMultiKeys(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 1, key.Value, "new"), iv("a", 0, key.Value, "old"),
		iv("b", 1, key.Value, "new"), iv("b", 0, key.Value, "old"),
		iv("c", 2, key.Value, "newnew"), iv("c", 1, key.Value, "new"), iv("c", 0, key.Value, "old"),
	}
	assertValues(t, collectForward(items), []string{"new", "new", "newnew"})
}

func TestMVCCTombstoneMultiKeys(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 1, key.Tombstone, ""), iv("a", 0, key.Value, "old"),
		iv("b", 1, key.Tombstone, ""), iv("b", 0, key.Value, "old"),
		iv("c", 2, key.Tombstone, ""), iv("c", 1, key.Tombstone, ""), iv("c", 0, key.Value, "old"),
	}
	got := collectForward(items)
	if len(got) != 3 {
		t.Fatalf("expected 3 tombstones, got %v", got)
	}
	for _, v := range got {
		if v.Key.Type != key.Tombstone {
			t.Fatalf("expected all entries to be tombstones, got %v", got)
		}
	}
}

func TestMVCCWeakTombstoneResurrection(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 2, key.WeakTombstone, ""),
		iv("a", 1, key.Value, "new"),
		iv("a", 0, key.Value, "old"),
	}
	assertValues(t, collectForward(items), []string{"old"})
}

func TestMVCCWeakTombstonePriority(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 3, key.Tombstone, ""),
		iv("a", 2, key.WeakTombstone, ""),
		iv("a", 1, key.Value, "new"),
		iv("a", 0, key.Value, "old"),
	}
	got := collectForward(items)
	if len(got) != 1 || got[0].Key.Type != key.Tombstone {
		t.Fatalf("expected a single tombstone, got %v", got)
	}
}

func TestMVCCWeakTombstoneMultiKeysAllDisappear(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 1, key.WeakTombstone, ""), iv("a", 0, key.Value, "old"),
		iv("b", 1, key.WeakTombstone, ""), iv("b", 0, key.Value, "old"),
		iv("c", 1, key.WeakTombstone, ""), iv("c", 0, key.Value, "old"),
	}
	if got := collectForward(items); len(got) != 0 {
		t.Fatalf("expected no visible entries, got %v", got)
	}
}

// A chain of WeakTombstone-over-Value pairs, each fully cancelling,
// leaving a sole survivor for the first key.
func TestMVCCQueueAlmostGone(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "a"),
		iv("b", 1, key.WeakTombstone, ""), iv("b", 0, key.Value, "b"),
		iv("c", 1, key.WeakTombstone, ""), iv("c", 0, key.Value, "c"),
		iv("d", 1, key.WeakTombstone, ""), iv("d", 0, key.Value, "d"),
		iv("e", 1, key.WeakTombstone, ""), iv("e", 0, key.Value, "e"),
	}
	assertValues(t, collectForward(items), []string{"a"})
	assertValues(t, collectBackward(items), []string{"a"})
}

// Four plain keys plus a fifth cancelled by a weak tombstone; exercises
// the backward staging across several key groups.
func TestMVCCQueueBackward(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "a"),
		iv("b", 0, key.Value, "b"),
		iv("c", 0, key.Value, "c"),
		iv("d", 0, key.Value, "d"),
		iv("e", 1, key.WeakTombstone, ""), iv("e", 0, key.Value, "e"),
	}
	assertValues(t, collectBackward(items), []string{"d", "c", "b", "a"})
	assertValues(t, collectForward(items), []string{"a", "b", "c", "d"})
}

// A weak tombstone whose immediately older entry is another weak tombstone
// cancels nothing; only the inner one consumes a Value. The survivor is the
// oldest value, in both directions.
func TestMVCCStackedWeakTombstones(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 3, key.WeakTombstone, ""),
		iv("a", 2, key.WeakTombstone, ""),
		iv("a", 1, key.Value, "new"),
		iv("a", 0, key.Value, "old"),
	}
	assertValues(t, collectForward(items), []string{"old"})
	assertValues(t, collectBackward(items), []string{"old"})
}

// A weak tombstone directly above a plain tombstone is dropped without
// cancelling anything; the plain tombstone is what the stream surfaces.
func TestMVCCWeakAbovePlainTombstoneBackward(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 2, key.WeakTombstone, ""),
		iv("a", 1, key.Tombstone, ""),
		iv("a", 0, key.Value, "old"),
	}
	fwd := collectForward(items)
	bwd := collectBackward(items)
	if len(fwd) != 1 || fwd[0].Key.Type != key.Tombstone {
		t.Fatalf("forward: expected a single tombstone, got %v", fwd)
	}
	if len(bwd) != 1 || bwd[0].Key.Type != key.Tombstone {
		t.Fatalf("backward: expected a single tombstone, got %v", bwd)
	}
}

// Invariant 2: forward and reverse iteration over the same snapshot yield
// the same multiset of outputs in opposite orders.
func TestMVCCForwardReverseSymmetry(t *testing.T) {
	cases := [][]key.InternalValue{
		{iv("a", 0, key.Value, "alpha"), iv("a", 1, key.Value, "beta"), iv("a", 2, key.Value, "gamma")},
		{iv("a", 0, key.Value, "alpha"), iv("a", 1, key.Tombstone, "")},
		{iv("a", 0, key.Value, "alpha"), iv("a", 1, key.Value, "beta"), iv("a", 2, key.WeakTombstone, "")},
		{iv("a", 0, key.Value, "alpha"), iv("a", 1, key.WeakTombstone, "")},
		{
			iv("a", 1, key.Value, "new"), iv("a", 0, key.Value, "old"),
			iv("b", 1, key.Value, "new"), iv("b", 0, key.Value, "old"),
			iv("c", 2, key.Value, "newnew"), iv("c", 1, key.Value, "new"), iv("c", 0, key.Value, "old"),
		},
		{
			iv("a", 0, key.Value, "a"),
			iv("b", 1, key.WeakTombstone, ""), iv("b", 0, key.Value, "b"),
			iv("c", 1, key.WeakTombstone, ""), iv("c", 0, key.Value, "c"),
		},
		{
			iv("a", 3, key.WeakTombstone, ""), iv("a", 2, key.WeakTombstone, ""),
			iv("a", 1, key.Value, "new"), iv("a", 0, key.Value, "old"),
		},
		{
			iv("a", 2, key.WeakTombstone, ""), iv("a", 1, key.Tombstone, ""),
			iv("a", 0, key.Value, "old"),
			iv("b", 3, key.Value, "b3"), iv("b", 2, key.WeakTombstone, ""),
			iv("b", 1, key.Value, "b1"), iv("b", 0, key.Value, "b0"),
		},
	}

	for i, items := range cases {
		fwd := collectForward(items)
		bwd := collectBackward(items)
		if len(fwd) != len(bwd) {
			t.Fatalf("case %d: forward has %d entries, backward has %d", i, len(fwd), len(bwd))
		}
		n := len(fwd)
		for j := 0; j < n; j++ {
			if !key.Equal(fwd[j].Key, bwd[n-1-j].Key) || string(fwd[j].Value) != string(bwd[n-1-j].Value) {
				t.Fatalf("case %d: forward/backward mismatch at %d: %v vs %v", i, j, fwd[j], bwd[n-1-j])
			}
		}
	}
}

// Boundary: an empty source yields no entries in either direction.
func TestMVCCEmptySource(t *testing.T) {
	if got := collectForward(nil); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
	if got := collectBackward(nil); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}

// Interleaving Next() after Prev() on a multi-key stream should
// not duplicate or skip the boundary key.
func TestMVCCDirectionSwitch(t *testing.T) {
	items := []key.InternalValue{
		iv("a", 0, key.Value, "a"),
		iv("b", 0, key.Value, "b"),
		iv("c", 0, key.Value, "c"),
		iv("d", 0, key.Value, "d"),
	}
	s := New(newSliceSource(items))
	s.SeekToLast()
	if string(s.Value()) != "d" {
		t.Fatalf("expected d, got %q", s.Value())
	}
	s.Prev()
	if string(s.Value()) != "c" {
		t.Fatalf("expected c, got %q", s.Value())
	}
	s.Next()
	if string(s.Value()) != "d" {
		t.Fatalf("expected switching back to forward from c to land on d, got %q", s.Value())
	}
}
