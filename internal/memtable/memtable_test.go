package memtable

import (
	"testing"

	"github.com/mbrt/lsmtree/internal/key"
)

func TestInsertAndGet(t *testing.T) {
	m := New()
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("alpha"))

	_, v, ok := m.Get([]byte("a"), 1)
	if !ok || string(v) != "alpha" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
}

func TestGetRespectsSeqnoUpperBound(t *testing.T) {
	m := New()
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("v0"))
	m.Insert(key.New([]byte("a"), 5, key.Value), []byte("v5"))

	_, v, ok := m.Get([]byte("a"), 6)
	if !ok || string(v) != "v5" {
		t.Fatalf("Get(upper=6) = %q, %v, want v5", v, ok)
	}

	_, v, ok = m.Get([]byte("a"), 5)
	if !ok || string(v) != "v0" {
		t.Fatalf("Get(upper=5) = %q, %v, want v0", v, ok)
	}

	_, _, ok = m.Get([]byte("a"), 0)
	if ok {
		t.Fatalf("Get(upper=0) should find nothing")
	}
}

func TestGetMissingKey(t *testing.T) {
	m := New()
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("alpha"))
	if _, _, ok := m.Get([]byte("z"), 100); ok {
		t.Fatalf("expected missing key not found")
	}
}

func TestSizeBytesTracksInserts(t *testing.T) {
	m := New()
	if m.SizeBytes() != 0 {
		t.Fatalf("expected 0 initial size")
	}
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("alpha"))
	if m.SizeBytes() == 0 {
		t.Fatalf("expected nonzero size after insert")
	}
}

func TestIteratorForwardOrder(t *testing.T) {
	m := New()
	m.Insert(key.New([]byte("c"), 0, key.Value), []byte("3"))
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("1"))
	m.Insert(key.New([]byte("b"), 0, key.Value), []byte("2"))

	it := m.NewIterator()
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

func TestIteratorNewestVersionFirst(t *testing.T) {
	m := New()
	m.Insert(key.New([]byte("a"), 0, key.Value), []byte("v0"))
	m.Insert(key.New([]byte("a"), 2, key.Value), []byte("v2"))
	m.Insert(key.New([]byte("a"), 1, key.Value), []byte("v1"))

	it := m.NewIterator()
	it.SeekToFirst()
	if !it.Valid() || it.Key().SeqNo != 2 {
		t.Fatalf("expected highest seqno first, got seqno=%d", it.Key().SeqNo)
	}
}

func TestIteratorBackward(t *testing.T) {
	m := New()
	for i, k := range []string{"a", "b", "c"} {
		m.Insert(key.New([]byte(k), uint64(i), key.Value), []byte(k))
	}
	it := m.NewIterator()
	it.SeekToLast()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey))
		it.Prev()
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSealedQueueOrdering(t *testing.T) {
	q := NewSealedQueue()
	m1, m2 := New(), New()
	q.Push(m1)
	q.Push(m2)

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if q.Front() != m1 {
		t.Fatalf("expected m1 at front (oldest sealed first)")
	}
	q.PopFront()
	if q.Front() != m2 {
		t.Fatalf("expected m2 at front after pop")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestSealedQueueSnapshotIsStable(t *testing.T) {
	q := NewSealedQueue()
	q.Push(New())
	snap := q.Snapshot()
	q.Push(New())
	if len(snap) != 1 {
		t.Fatalf("expected snapshot to be unaffected by later pushes, got len=%d", len(snap))
	}
}
