package compaction

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/compression"
	"github.com/mbrt/lsmtree/internal/filetable"
	"github.com/mbrt/lsmtree/internal/key"
	"github.com/mbrt/lsmtree/internal/manifest"
	"github.com/mbrt/lsmtree/internal/segment"
)

// fixedChoiceStrategy always returns a preset Choice, for driving the
// worker deterministically in tests instead of through a picker heuristic.
type fixedChoiceStrategy struct{ choice Choice }

func (s fixedChoiceStrategy) Choose(_ []manifest.Level, _ Config) Choice { return s.choice }

func writeTestSegment(t *testing.T, dir string, treeID, segID uint64, entries []key.InternalValue) segment.Meta {
	t.Helper()
	w := segment.NewWriter(segment.WriterOptions{
		TreeID: treeID, SegmentID: segID, BlockSize: 256, Compression: compression.None, BloomFPRate: 0.01,
	})
	for _, e := range entries {
		w.Add(e.Key, e.Value)
	}
	meta, blocks, bloom := w.Finish()
	segDir := filepath.Join(dir, "segments", itoa(segID))
	if err := segment.WriteDir(segDir, meta, blocks, bloom); err != nil {
		t.Fatal(err)
	}
	return meta
}

func itoa(id uint64) string { return strconv.FormatUint(id, 10) }

func TestWorkerDoCompactMergesAndInstalls(t *testing.T) {
	root := t.TempDir()
	segRoot := filepath.Join(root, "segments")

	files := filetable.New(filetable.DefaultOptions())
	blockCache := cache.New(1 << 20)
	m := manifest.New(root, 1, 7)

	seg1 := writeTestSegment(t, root, 1, 1, []key.InternalValue{
		key.NewValue(key.New([]byte("a"), 1, key.Value), []byte("a1")),
		key.NewValue(key.New([]byte("b"), 2, key.Value), []byte("b1")),
	})
	seg2 := writeTestSegment(t, root, 1, 2, []key.InternalValue{
		key.NewValue(key.New([]byte("b"), 5, key.Value), []byte("b2")),
		key.NewValue(key.New([]byte("c"), 3, key.Value), []byte("c1")),
	})

	if err := m.InsertSegment(0, toSegmentInfo(seg1)); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertSegment(0, toSegmentInfo(seg2)); err != nil {
		t.Fatal(err)
	}

	registry := map[uint64]*segment.Segment{}
	var registryMu sync.Mutex
	var nextID atomic.Uint64
	nextID.Store(3)

	deps := Deps{
		Manifest:            m,
		Barrier:             &sync.RWMutex{},
		Cache:               blockCache,
		Files:               files,
		SegmentsDir:         segRoot,
		TreeID:              1,
		BlockSize:           256,
		Compression:         compression.None,
		BloomFPRatePerLevel: []float64{0.01},
		LastLevel:           6,
		OpenSegment: func(id uint64) (*segment.Segment, error) {
			registryMu.Lock()
			defer registryMu.Unlock()
			if s, ok := registry[id]; ok {
				return s, nil
			}
			s, err := segment.Open(filepath.Join(segRoot, itoa(id)), files, blockCache)
			if err != nil {
				return nil, err
			}
			registry[id] = s
			return s, nil
		},
		RegisterSegment: func(s *segment.Segment) {
			registryMu.Lock()
			defer registryMu.Unlock()
			registry[uint64(s.ID())] = s
		},
		ForgetSegment: func(id uint64) {
			registryMu.Lock()
			delete(registry, id)
			registryMu.Unlock()
			if err := segment.RemoveDir(filepath.Join(segRoot, itoa(id))); err != nil {
				t.Errorf("remove segment %d: %v", id, err)
			}
		},
		OpenSnapshots: func() int32 { return 0 },
		NextSegmentID: func() uint64 { return nextID.Add(1) },
		Stop:          &atomic.Bool{},
	}

	strategy := fixedChoiceStrategy{choice: Choice{
		Kind: DoCompact, InputIDs: []uint64{1, 2}, DestLevel: 1, TargetSize: 1 << 20,
	}}
	w := NewWorker(deps, strategy, DefaultConfig(7, 8))

	didWork, err := w.DoCompaction()
	if err != nil {
		t.Fatal(err)
	}
	if !didWork {
		t.Fatal("expected compaction to report work done")
	}

	levels := m.Snapshot()
	if len(levels[0].Segments) != 0 {
		t.Fatalf("expected L0 emptied, got %+v", levels[0])
	}
	if len(levels[1].Segments) != 1 {
		t.Fatalf("expected one output segment in L1, got %+v", levels[1])
	}
	out := levels[1].Segments[0]
	if out.ItemCount != 4 {
		t.Fatalf("expected 4 merged entries (no MVCC collapse at merge stage), got %d", out.ItemCount)
	}

	for _, id := range []uint64{1, 2} {
		if _, err := os.Stat(filepath.Join(segRoot, itoa(id))); !os.IsNotExist(err) {
			t.Fatalf("expected input segment %d directory removed", id)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "levels.manifest")); err != nil {
		t.Fatalf("expected manifest persisted: %v", err)
	}
}

func TestWorkerDoCompactionDoNothing(t *testing.T) {
	root := t.TempDir()
	m := manifest.New(root, 1, 7)
	deps := Deps{
		Manifest: m,
		Barrier:  &sync.RWMutex{},
		Stop:     &atomic.Bool{},
	}
	w := NewWorker(deps, LeveledStrategy{}, DefaultConfig(7, 8))
	didWork, err := w.DoCompaction()
	if err != nil {
		t.Fatal(err)
	}
	if didWork {
		t.Fatal("expected no work on an empty manifest")
	}
}

func TestWorkerDeleteSegments(t *testing.T) {
	root := t.TempDir()
	segRoot := filepath.Join(root, "segments")
	files := filetable.New(filetable.DefaultOptions())
	blockCache := cache.New(1 << 20)
	m := manifest.New(root, 1, 7)

	meta := writeTestSegment(t, root, 1, 1, []key.InternalValue{
		key.NewValue(key.New([]byte("a"), 1, key.Tombstone), nil),
	})
	if err := m.InsertSegment(6, toSegmentInfo(meta)); err != nil {
		t.Fatal(err)
	}

	forgotten := false
	deps := Deps{
		Manifest:    m,
		Barrier:     &sync.RWMutex{},
		Cache:       blockCache,
		Files:       files,
		SegmentsDir: segRoot,
		LastLevel:   6,
		ForgetSegment: func(id uint64) {
			forgotten = true
			_ = segment.RemoveDir(filepath.Join(segRoot, itoa(id)))
		},
		Stop: &atomic.Bool{},
	}
	strategy := fixedChoiceStrategy{choice: Choice{Kind: DeleteSegments, SegmentIDs: []uint64{1}}}
	w := NewWorker(deps, strategy, DefaultConfig(7, 8))

	didWork, err := w.DoCompaction()
	if err != nil {
		t.Fatal(err)
	}
	if !didWork || !forgotten {
		t.Fatal("expected DeleteSegments to remove and forget the segment")
	}
	if len(m.Snapshot()[6].Segments) != 0 {
		t.Fatal("expected segment removed from manifest")
	}
}
