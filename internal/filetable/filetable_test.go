package filetable

import (
	"os"
	"path/filepath"
	"testing"
)

func tempSegment(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestAccessOpensLazilyAndReadsContent(t *testing.T) {
	dir := t.TempDir()
	path := tempSegment(t, dir, "blocks-1", "hello-blocks")

	tbl := New(Options{MaxSegments: 10, MaxConcurrentHandles: 10})
	tbl.Insert(path, ID(1))

	if tbl.OpenCount() != 0 {
		t.Fatalf("expected no handles open before first Access, got %d", tbl.OpenCount())
	}

	g, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	buf := make([]byte, len("hello-blocks"))
	if _, err := g.File().ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello-blocks" {
		t.Fatalf("got %q", buf)
	}
	g.Release()

	if tbl.OpenCount() != 1 {
		t.Fatalf("expected one handle open after Access, got %d", tbl.OpenCount())
	}
}

func TestAccessUnknownSegmentErrors(t *testing.T) {
	tbl := New(DefaultOptions())
	if _, err := tbl.Access(ID(99)); err == nil {
		t.Fatal("expected an error for an untracked segment id")
	}
}

func TestAccessReusesOpenHandle(t *testing.T) {
	dir := t.TempDir()
	path := tempSegment(t, dir, "blocks-1", "data")

	tbl := New(Options{MaxSegments: 10, MaxConcurrentHandles: 10})
	tbl.Insert(path, ID(1))

	g1, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	f1 := g1.File()
	g1.Release()

	g2, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if g2.File() != f1 {
		t.Fatalf("expected the same *os.File to be reused")
	}
	g2.Release()

	if tbl.OpenCount() != 1 {
		t.Fatalf("expected exactly one open handle, got %d", tbl.OpenCount())
	}
}

func TestMaxConcurrentHandlesReclaimsLRU(t *testing.T) {
	dir := t.TempDir()
	p1 := tempSegment(t, dir, "blocks-1", "a")
	p2 := tempSegment(t, dir, "blocks-2", "b")

	tbl := New(Options{MaxSegments: 10, MaxConcurrentHandles: 1})
	tbl.Insert(p1, ID(1))
	tbl.Insert(p2, ID(2))

	g1, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access(1): %v", err)
	}
	g1.Release()

	// Accessing segment 2 should reclaim segment 1's handle since the
	// table is bounded to one concurrently open handle.
	g2, err := tbl.Access(ID(2))
	if err != nil {
		t.Fatalf("Access(2): %v", err)
	}
	g2.Release()

	if tbl.OpenCount() != 1 {
		t.Fatalf("expected exactly one open handle under the bound, got %d", tbl.OpenCount())
	}
}

func TestMaxConcurrentHandlesErrorsWhenAllBorrowed(t *testing.T) {
	dir := t.TempDir()
	p1 := tempSegment(t, dir, "blocks-1", "a")
	p2 := tempSegment(t, dir, "blocks-2", "b")

	tbl := New(Options{MaxSegments: 10, MaxConcurrentHandles: 1})
	tbl.Insert(p1, ID(1))
	tbl.Insert(p2, ID(2))

	g1, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access(1): %v", err)
	}
	defer g1.Release()

	if _, err := tbl.Access(ID(2)); err != ErrTableFull {
		t.Fatalf("expected ErrTableFull while segment 1's handle is borrowed, got %v", err)
	}
}

func TestRemoveClosesHandleAndForgetsPath(t *testing.T) {
	dir := t.TempDir()
	path := tempSegment(t, dir, "blocks-1", "data")

	tbl := New(DefaultOptions())
	tbl.Insert(path, ID(1))

	g, err := tbl.Access(ID(1))
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	g.Release()

	tbl.Remove(ID(1))

	if tbl.TrackedCount() != 0 {
		t.Fatalf("expected segment to be forgotten, tracked=%d", tbl.TrackedCount())
	}
	if _, err := tbl.Access(ID(1)); err != ErrUnknownSegment {
		t.Fatalf("expected ErrUnknownSegment after Remove, got %v", err)
	}
}

func TestMaxSegmentsEvictsLeastRecentlyInserted(t *testing.T) {
	dir := t.TempDir()
	p1 := tempSegment(t, dir, "blocks-1", "a")
	p2 := tempSegment(t, dir, "blocks-2", "b")

	tbl := New(Options{MaxSegments: 1, MaxConcurrentHandles: 10})
	tbl.Insert(p1, ID(1))
	tbl.Insert(p2, ID(2))

	if tbl.TrackedCount() != 1 {
		t.Fatalf("expected MaxSegments=1 to bound tracked entries, got %d", tbl.TrackedCount())
	}
	if _, err := tbl.Access(ID(1)); err != ErrUnknownSegment {
		t.Fatalf("expected segment 1 to have been evicted, got err=%v", err)
	}
	g, err := tbl.Access(ID(2))
	if err != nil {
		t.Fatalf("expected segment 2 to remain tracked: %v", err)
	}
	g.Release()
}
