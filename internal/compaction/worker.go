package compaction

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/compression"
	"github.com/mbrt/lsmtree/internal/filetable"
	"github.com/mbrt/lsmtree/internal/key"
	"github.com/mbrt/lsmtree/internal/logging"
	"github.com/mbrt/lsmtree/internal/manifest"
	"github.com/mbrt/lsmtree/internal/merge"
	"github.com/mbrt/lsmtree/internal/segment"
)

// stopCheckInterval is how many emitted items pass between stop-signal
// checks during a merge.
const stopCheckInterval = 100_000

// Deps are the resources and callbacks the worker needs from the tree
// facade, which owns the manifest, the shared block cache, the descriptor
// table, and the open-segment registry.
type Deps struct {
	Manifest *manifest.Manifest

	// Barrier is the tree facade's sealed-memtable lock. Held briefly,
	// write side only, while swapping the manifest's segment lists, so
	// the swap serializes against in-flight range scans that could
	// otherwise capture both the input and the output segment sets.
	Barrier *sync.RWMutex

	Cache cache.Cache
	Files *filetable.Table

	SegmentsDir string
	TreeID      uint64
	BlockSize   int
	Compression compression.Type
	// BloomFPRatePerLevel indexes by destination level; the last entry is
	// reused for any level beyond the slice's length.
	BloomFPRatePerLevel []float64
	LastLevel           int

	// OpenSegment resolves a segment id already known to the manifest to
	// an opened reader, opening it lazily if it is not already resident
	// in the tree's open-segment registry.
	OpenSegment func(id uint64) (*segment.Segment, error)
	// RegisterSegment adds a freshly written output segment to the open
	// registry so later reads find it without reopening from disk.
	RegisterSegment func(seg *segment.Segment)
	// ForgetSegment retires a segment the manifest no longer references:
	// it evicts the segment's descriptor and cached blocks and deletes its
	// directory, deferring all of that while any open snapshot might still
	// reference it. Called only after the manifest excluding the segment
	// is durable.
	ForgetSegment func(id uint64)
	// OpenSnapshots reports the number of currently open snapshots; used
	// to decide whether evict_old_versions may run.
	OpenSnapshots func() int32
	// NextSegmentID allocates a fresh, tree-unique segment id for a
	// compaction's output.
	NextSegmentID func() uint64

	Logger logging.Logger
	Stop   *atomic.Bool
}

// Worker runs do_compaction calls against a Strategy and a set of Deps.
type Worker struct {
	deps     Deps
	strategy Strategy
	cfg      Config
}

// NewWorker creates a Worker.
func NewWorker(deps Deps, strategy Strategy, cfg Config) *Worker {
	if deps.Logger == nil {
		deps.Logger = logging.Discard
	}
	return &Worker{deps: deps, strategy: strategy, cfg: cfg}
}

func (w *Worker) segmentDir(id uint64) string {
	return filepath.Join(w.deps.SegmentsDir, strconv.FormatUint(id, 10))
}

func (w *Worker) bloomFPRate(level int) float64 {
	rates := w.deps.BloomFPRatePerLevel
	if len(rates) == 0 {
		return 0
	}
	if level >= len(rates) {
		level = len(rates) - 1
	}
	return rates[level]
}

// DoCompaction runs one compaction cycle: asks the strategy for a Choice
// and executes it. didWork is false for DoNothing and for a clean
// stop-signal abort.
func (w *Worker) DoCompaction() (didWork bool, err error) {
	levels := w.deps.Manifest.Snapshot()
	choice := w.strategy.Choose(levels, w.cfg)

	switch choice.Kind {
	case DoNothing:
		return false, nil
	case DeleteSegments:
		return true, w.deleteSegments(choice.SegmentIDs)
	case DoCompact:
		return w.doCompact(choice)
	default:
		return false, fmt.Errorf("compaction: unknown choice kind %d", choice.Kind)
	}
}

func (w *Worker) deleteSegments(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	w.deps.Barrier.Lock()
	w.deps.Manifest.RemoveSegments(ids)
	w.deps.Barrier.Unlock()

	if err := w.deps.Manifest.Persist(); err != nil {
		return err
	}
	for _, id := range ids {
		w.deps.ForgetSegment(id)
	}
	return nil
}

// outputRun is one finished output segment: its metadata and the
// directory it was already written to.
type outputRun struct {
	meta segment.Meta
	dir  string
}

func (w *Worker) doCompact(choice Choice) (bool, error) {
	ids := dedupe(choice.InputIDs)

	sources := make([]merge.Source, 0, len(ids))
	for _, id := range ids {
		seg, err := w.deps.OpenSegment(id)
		if err != nil {
			return false, fmt.Errorf("compaction: open input segment %d: %w", id, err)
		}
		sources = append(sources, seg.NewIterator(cache.Read))
	}

	w.deps.Manifest.HideSegments(ids)

	evictOldVersions := w.deps.OpenSnapshots() == 0 && choice.DestLevel >= 2
	// A plain Tombstone can only be dropped once no level below
	// dest_level could still hold a shadowed value it would otherwise
	// resurrect; that is true only at the last level, and only while old
	// versions are actually being evicted: under an open snapshot the
	// shadowed values stay live in the merge stream, so dropping the
	// tombstone above them would resurrect them.
	evictTombstones := evictOldVersions && choice.DestLevel == w.deps.LastLevel

	mergeIt := merge.New(sources).WithEvictOldVersions(evictOldVersions)
	mergeIt.SeekToFirst()

	var outputs []outputRun
	cleanup := func() {
		for _, o := range outputs {
			_ = segment.RemoveDir(o.dir)
		}
		w.deps.Manifest.ShowSegments(ids)
	}

	newWriter := func() *segment.Writer {
		return segment.NewWriter(segment.WriterOptions{
			TreeID:      w.deps.TreeID,
			SegmentID:   w.deps.NextSegmentID(),
			BlockSize:   w.deps.BlockSize,
			Compression: w.deps.Compression,
			BloomFPRate: w.bloomFPRate(choice.DestLevel),
		})
	}
	finishWriter := func(writer *segment.Writer) error {
		if writer.Empty() {
			return nil
		}
		meta, blocks, bloom := writer.Finish()
		dir := w.segmentDir(meta.SegmentID)
		if err := segment.WriteDir(dir, meta, blocks, bloom); err != nil {
			return err
		}
		outputs = append(outputs, outputRun{meta: meta, dir: dir})
		return nil
	}

	writer := newWriter()
	emitted := 0
	for mergeIt.Valid() {
		if emitted > 0 && emitted%stopCheckInterval == 0 && w.deps.Stop.Load() {
			cleanup()
			return false, nil
		}

		k, v := mergeIt.Key(), mergeIt.Value()
		if !(evictTombstones && k.Type == key.Tombstone) {
			writer.Add(k, v)
		}
		emitted++

		if uint64(writer.EstimatedSize()) >= choice.TargetSize {
			if err := finishWriter(writer); err != nil {
				cleanup()
				return false, err
			}
			writer = newWriter()
		}
		mergeIt.Next()
	}
	if err := mergeIt.Err(); err != nil {
		cleanup()
		return false, err
	}
	if err := finishWriter(writer); err != nil {
		cleanup()
		return false, err
	}

	if w.deps.Stop.Load() {
		cleanup()
		return false, nil
	}

	for _, o := range outputs {
		if err := w.deps.Manifest.InsertSegment(choice.DestLevel, toSegmentInfo(o.meta)); err != nil {
			cleanup()
			return false, err
		}
	}

	w.deps.Barrier.Lock()
	w.deps.Manifest.RemoveSegments(ids)
	w.deps.Barrier.Unlock()

	if err := w.deps.Manifest.Persist(); err != nil {
		return false, err
	}

	for _, id := range ids {
		w.deps.ForgetSegment(id)
	}

	for _, o := range outputs {
		seg, err := segment.Open(o.dir, w.deps.Files, w.deps.Cache)
		if err != nil {
			w.deps.Logger.Errorf("compaction: reopen output segment %d: %v", o.meta.SegmentID, err)
			continue
		}
		w.deps.RegisterSegment(seg)
	}

	return true, nil
}

func toSegmentInfo(m segment.Meta) manifest.SegmentInfo {
	return manifest.SegmentInfo{
		SegmentID:      m.SegmentID,
		MinUserKey:     m.MinUserKey,
		MaxUserKey:     m.MaxUserKey,
		MinSeqNo:       m.MinSeqNo,
		MaxSeqNo:       m.MaxSeqNo,
		FileSize:       m.FileSize,
		ItemCount:      m.ItemCount,
		TombstoneCount: m.TombstoneCount,
	}
}

func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
