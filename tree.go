// Package lsmtree implements an embedded, persistent, ordered key-value
// store organized as an LSM-tree with MVCC sequence numbers. This file,
// tree.go, holds the Tree facade: the active memtable, the sealed queue,
// the level manifest, the shared block cache and descriptor table, and
// the compaction worker. There is no write-ahead log, no column families,
// and no batches; durability is at flush and compaction boundaries only.
// Callers needing per-write durability must layer a WAL outside.
package lsmtree

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/compaction"
	"github.com/mbrt/lsmtree/internal/filetable"
	"github.com/mbrt/lsmtree/internal/key"
	"github.com/mbrt/lsmtree/internal/logging"
	"github.com/mbrt/lsmtree/internal/manifest"
	"github.com/mbrt/lsmtree/internal/memtable"
	"github.com/mbrt/lsmtree/internal/merge"
	"github.com/mbrt/lsmtree/internal/mvcc"
	"github.com/mbrt/lsmtree/internal/segment"
)

const segmentsDirName = "segments"

// Tree is an open, embedded LSM-tree. The zero value is not usable;
// construct with Open.
type Tree struct {
	opts   Options
	logger logging.Logger
	path   string

	// stateMu guards transitions of (active, sealed) and doubles as the
	// compaction worker's Deps.Barrier: a writer briefly holding it during
	// a flush's install-and-pop, or during a compaction's manifest swap,
	// serializes against in-flight readers that could otherwise capture a
	// memtable/segment view containing both the old and the new set.
	stateMu sync.RWMutex
	active  *memtable.Memtable
	sealed  *memtable.SealedQueue

	manifest *manifest.Manifest
	cache    cache.Cache
	files    *filetable.Table

	segMu    sync.Mutex
	segments map[uint64]*segment.Segment
	// pendingRemovals holds ids of segments the manifest no longer
	// references but whose files must outlive every open snapshot.
	pendingRemovals []uint64

	nextSeqNo     atomic.Uint64
	nextSegmentID atomic.Uint64
	openSnapshots atomic.Int32
	stop          atomic.Bool
	closed        atomic.Bool

	worker   *compaction.Worker
	workerMu sync.Mutex
}

func segmentDir(root string, id uint64) string {
	return filepath.Join(root, segmentsDirName, fmt.Sprintf("%d", id))
}

// Open opens or creates a tree rooted at opts.Path.
func Open(opts Options) (*Tree, error) {
	opts.fillDefaults()

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lsmtree: mkdir %s: %w", opts.Path, err)
	}
	if err := os.MkdirAll(filepath.Join(opts.Path, segmentsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("lsmtree: mkdir segments: %w", err)
	}

	m, err := manifest.Load(opts.Path, int(opts.LevelCount))
	if err != nil {
		return nil, fmt.Errorf("lsmtree: load manifest: %w", err)
	}
	if m.TreeID() == 0 {
		m.SetTreeID(opts.TreeID)
	} else {
		// On reopen the manifest's identity wins: segment metadata and
		// shared-cache keys were written under it.
		opts.TreeID = m.TreeID()
	}

	t := &Tree{
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger),
		path:     opts.Path,
		active:   memtable.New(),
		sealed:   memtable.NewSealedQueue(),
		manifest: m,
		cache:    opts.BlockCache,
		files:    opts.DescriptorTable,
		segments: make(map[uint64]*segment.Segment),
	}

	var maxSeqNo, maxSegmentID uint64
	for _, lvl := range m.Snapshot() {
		for _, info := range lvl.Segments {
			seg, err := segment.Open(segmentDir(t.path, info.SegmentID), t.files, t.cache)
			if err != nil {
				return nil, fmt.Errorf("lsmtree: open segment %d: %w", info.SegmentID, err)
			}
			t.segments[info.SegmentID] = seg
			if info.MaxSeqNo > maxSeqNo {
				maxSeqNo = info.MaxSeqNo
			}
			if info.SegmentID > maxSegmentID {
				maxSegmentID = info.SegmentID
			}
		}
	}
	t.nextSeqNo.Store(maxSeqNo + 1)
	t.nextSegmentID.Store(maxSegmentID + 1)

	t.worker = compaction.NewWorker(t.compactionDeps(), compaction.LeveledStrategy{},
		compaction.DefaultConfig(int(opts.LevelCount), int(opts.LevelRatio)))

	return t, nil
}

func (t *Tree) compactionDeps() compaction.Deps {
	return compaction.Deps{
		Manifest:            t.manifest,
		Barrier:             &t.stateMu,
		Cache:               t.cache,
		Files:               t.files,
		SegmentsDir:         filepath.Join(t.path, segmentsDirName),
		TreeID:              t.opts.TreeID,
		BlockSize:           int(t.opts.BlockSize),
		Compression:         t.opts.Compression,
		BloomFPRatePerLevel: t.opts.BloomFPRatePerLevel,
		LastLevel:           int(t.opts.LevelCount) - 1,
		OpenSegment:         t.openSegment,
		RegisterSegment:     t.registerSegment,
		ForgetSegment:       t.forgetSegment,
		OpenSnapshots:       func() int32 { return t.openSnapshots.Load() },
		NextSegmentID:       func() uint64 { return t.nextSegmentID.Add(1) - 1 },
		Logger:              t.logger.Named("compaction"),
		Stop:                &t.stop,
	}
}

func (t *Tree) openSegment(id uint64) (*segment.Segment, error) {
	t.segMu.Lock()
	defer t.segMu.Unlock()
	if s, ok := t.segments[id]; ok {
		return s, nil
	}
	s, err := segment.Open(segmentDir(t.path, id), t.files, t.cache)
	if err != nil {
		return nil, err
	}
	t.segments[id] = s
	return s, nil
}

func (t *Tree) registerSegment(s *segment.Segment) {
	t.segMu.Lock()
	defer t.segMu.Unlock()
	t.segments[uint64(s.ID())] = s
}

// forgetSegment retires a segment the manifest no longer references. While
// any snapshot is open the segment stays readable (registry entry,
// descriptors, cached blocks, and files all intact) and its removal is
// deferred until the last snapshot closes, so a compaction never pulls a
// segment out from under an open snapshot.
func (t *Tree) forgetSegment(id uint64) {
	t.segMu.Lock()
	if t.openSnapshots.Load() > 0 {
		t.pendingRemovals = append(t.pendingRemovals, id)
		t.segMu.Unlock()
		return
	}
	t.segMu.Unlock()
	t.dropSegment(id)
}

// dropSegment evicts a segment from the open registry, the block cache,
// and the descriptor table, then deletes its directory. Only called once
// no snapshot can still reference the segment, and always after the
// manifest excluding it is durable.
func (t *Tree) dropSegment(id uint64) {
	t.segMu.Lock()
	delete(t.segments, id)
	t.segMu.Unlock()
	t.cache.EraseSegment(cache.GlobalSegmentId{TreeID: t.opts.TreeID, SegmentID: id})
	t.files.Remove(filetable.ID(id))
	if err := segment.RemoveDir(segmentDir(t.path, id)); err != nil {
		t.logger.Warnf("remove segment %d: %v", id, err)
	}
}

// drainPendingRemovals drops every deferred segment; called when the last
// open snapshot closes.
func (t *Tree) drainPendingRemovals() {
	t.segMu.Lock()
	pending := t.pendingRemovals
	t.pendingRemovals = nil
	t.segMu.Unlock()
	for _, id := range pending {
		t.dropSegment(id)
	}
}

// Close stops the tree. Further operations return ErrClosed.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.stop.Store(true)
	return nil
}

func (t *Tree) checkOpen() error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Insert adds (key, value) as a live Value at a freshly assigned seqno.
func (t *Tree) Insert(userKey, value []byte) error {
	return t.write(userKey, value, key.Value)
}

// InsertWithSeqNo is Insert with an explicit seqno instead of one freshly
// assigned. It never rewinds nextSeqNo: a caller supplying seqno below the
// tree's current allocation point only affects this entry's place in MVCC
// ordering among existing versions of userKey, not what future Insert
// calls will allocate. Intended for restoring entries recovered from an
// external log, where the seqno must match the one originally assigned.
func (t *Tree) InsertWithSeqNo(userKey, value []byte, seqNo uint64) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	ik := key.New(append([]byte(nil), userKey...), seqNo, key.Value)

	t.stateMu.RLock()
	active := t.active
	t.stateMu.RUnlock()

	active.Insert(ik, value)

	for {
		cur := t.nextSeqNo.Load()
		if seqNo < cur || t.nextSeqNo.CompareAndSwap(cur, seqNo+1) {
			break
		}
	}

	if active.SizeBytes() >= uint64(t.opts.MemtableSizeBytes) {
		return t.FlushActiveMemtable()
	}
	return nil
}

// Remove marks userKey deleted with a plain Tombstone, shadowing every
// older version.
func (t *Tree) Remove(userKey []byte) error {
	return t.write(userKey, nil, key.Tombstone)
}

// RemoveWeak marks userKey deleted with a WeakTombstone ("single delete"):
// it cancels exactly one older Value for the same user key.
func (t *Tree) RemoveWeak(userKey []byte) error {
	return t.write(userKey, nil, key.WeakTombstone)
}

func (t *Tree) write(userKey, value []byte, typ key.ValueType) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	seqNo := t.nextSeqNo.Add(1) - 1
	ik := key.New(append([]byte(nil), userKey...), seqNo, typ)

	t.stateMu.RLock()
	active := t.active
	t.stateMu.RUnlock()

	active.Insert(ik, value)

	if active.SizeBytes() >= uint64(t.opts.MemtableSizeBytes) {
		if err := t.FlushActiveMemtable(); err != nil {
			return err
		}
	}
	return nil
}

// snapshotState captures a consistent (active, sealed, manifest, seqno
// upper bound) tuple for a read: every reader snapshots the seqno bound,
// the memtable set, and the segment set at creation.
type snapshotState struct {
	active   *memtable.Memtable
	sealed   []*memtable.Memtable
	levels   []manifest.Level
	seqUpper uint64
}

func (t *Tree) captureState() snapshotState {
	// The memtable set and the manifest snapshot must be captured under
	// one RLock hold: a flush pops the sealed queue and installs its L0
	// segment under the write side of this lock, so capturing the two
	// piecemeal could observe a memtable's contents both in the sealed
	// queue and in the freshly installed segment.
	t.stateMu.RLock()
	st := snapshotState{
		active:   t.active,
		sealed:   t.sealed.Snapshot(),
		levels:   t.manifest.Snapshot(),
		seqUpper: t.nextSeqNo.Load(),
	}
	t.stateMu.RUnlock()
	return st
}

// Get returns the current visible value for userKey, or ok=false if it is
// absent or has been deleted.
//
// The naive approach of probing memtable, then sealed memtables
// newest-first, then segments newest-first, and returning the first hit,
// is incorrect: a WeakTombstone in one source can cancel a Value that
// lives in a different, older source, and that cancellation is only
// correctly resolved by the MVCC stream running over one already-merged,
// globally InternalKey-ordered view. So Get composes exactly the sources
// that could hold userKey into one merge.Iterator, seeks it to the first
// entry at or below seqUpper, and wraps it in an mvcc.Stream.
func (t *Tree) Get(userKey []byte) ([]byte, bool, error) {
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}
	return t.getWithState(t.captureState(), userKey)
}

func (t *Tree) getWithState(st snapshotState, userKey []byte) ([]byte, bool, error) {
	sources, err := t.buildSources(st, userKey, userKey)
	if err != nil {
		return nil, false, err
	}

	filtered := mvcc.NewSeqNoFilter(merge.New(sources), st.seqUpper)
	stream := mvcc.New(filtered)
	stream.SeekInternal(key.New(userKey, st.seqUpper, key.Value))

	if !stream.Valid() {
		if err := stream.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if !bytes.Equal(stream.Key().UserKey, userKey) {
		return nil, false, nil
	}
	if stream.Key().Type.IsTombstone() {
		return nil, false, nil
	}
	return append([]byte(nil), stream.Value()...), true, nil
}

// FirstKeyValue returns the lowest-keyed visible (key, value) pair, or
// ok=false if the tree holds no visible entries.
func (t *Tree) FirstKeyValue() (userKey, value []byte, ok bool, err error) {
	it, err := t.Iter()
	if err != nil {
		return nil, nil, false, err
	}
	defer it.Close()
	it.SeekToFirst()
	if !it.Valid() {
		return nil, nil, false, it.Err()
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), true, nil
}

// LastKeyValue returns the highest-keyed visible (key, value) pair, or
// ok=false if the tree holds no visible entries.
func (t *Tree) LastKeyValue() (userKey, value []byte, ok bool, err error) {
	it, err := t.Iter()
	if err != nil {
		return nil, nil, false, err
	}
	defer it.Close()
	it.SeekToLast()
	if !it.Valid() {
		return nil, nil, false, it.Err()
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), true, nil
}

// ContainsKey reports whether userKey currently has a visible value.
func (t *Tree) ContainsKey(userKey []byte) (bool, error) {
	_, ok, err := t.Get(userKey)
	return ok, err
}

// Len returns the number of visible (key, value) pairs, by forward
// iteration over a fresh snapshot. O(n): the tree keeps no running count
// since memtable inserts are not deduplicated against already-flushed
// versions of the same key.
func (t *Tree) Len() (int, error) {
	it, err := t.Iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	return n, it.Err()
}

// IsEmpty reports whether the tree holds no visible entries.
func (t *Tree) IsEmpty() (bool, error) {
	it, err := t.Iter()
	if err != nil {
		return false, err
	}
	defer it.Close()
	it.SeekToFirst()
	return !it.Valid(), it.Err()
}

// DiskSpace returns the total size in bytes of every live segment file.
func (t *Tree) DiskSpace() uint64 {
	return t.manifest.TotalFileSize()
}

// MajorCompact synchronously merges every live segment across all levels
// into the last level. At the last level plain tombstones are dropped
// (nothing below them can resurrect shadowed data), so a major compaction
// also reclaims the space deleted keys held.
func (t *Tree) MajorCompact() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.workerMu.Lock()
	defer t.workerMu.Unlock()
	w := compaction.NewWorker(t.compactionDeps(), compaction.MajorStrategy{},
		compaction.DefaultConfig(int(t.opts.LevelCount), int(t.opts.LevelRatio)))
	_, err := w.DoCompaction()
	return err
}

// maybeCompact runs one cycle of the tree's regular leveled strategy,
// called after a flush installs a new L0 segment. Errors are logged, not
// returned: the flush that triggered it already succeeded.
func (t *Tree) maybeCompact() {
	if t.stop.Load() {
		return
	}
	t.workerMu.Lock()
	defer t.workerMu.Unlock()
	if _, err := t.worker.DoCompaction(); err != nil {
		t.logger.Errorf("compaction: %v", err)
	}
}
