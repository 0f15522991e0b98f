// Package manifest implements the level manifest: the authoritative set of
// segments per level, with the disjoint-range invariant for L1+ and atomic
// on-disk persistence.
//
// There is no ref-counted version chain and no replayable edit log here:
// snapshot isolation is implemented at the tree-facade level, and recovery
// is "read the one current manifest file", so the manifest is a single
// JSON document rewritten whole via write-tmp/fsync/rename.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const manifestFileName = "levels.manifest"

// SegmentInfo is the per-segment record the manifest tracks: just enough
// to make placement, overlap, and disjoint-search decisions without
// opening the segment itself.
type SegmentInfo struct {
	SegmentID      uint64 `json:"segment_id"`
	MinUserKey     []byte `json:"min_user_key"`
	MaxUserKey     []byte `json:"max_user_key"`
	MinSeqNo       uint64 `json:"min_seqno"`
	MaxSeqNo       uint64 `json:"max_seqno"`
	FileSize       uint64 `json:"file_size"`
	ItemCount      uint64 `json:"item_count"`
	TombstoneCount uint64 `json:"tombstone_count"`
}

// Overlaps reports whether the segment's key range intersects [lo, hi]. A
// nil bound is unbounded on that side.
func (s SegmentInfo) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(s.MinUserKey, hi) > 0 {
		return false
	}
	if lo != nil && bytes.Compare(s.MaxUserKey, lo) < 0 {
		return false
	}
	return true
}

func (s SegmentInfo) overlapsRange(other SegmentInfo) bool {
	return bytes.Compare(s.MinUserKey, other.MaxUserKey) <= 0 &&
		bytes.Compare(other.MinUserKey, s.MaxUserKey) <= 0
}

// Level is one level's segment list. Segments in level 0 are kept
// newest-first (insertion order) and may overlap; segments in level i >= 1
// are kept sorted by MinUserKey ascending and must be pairwise disjoint.
type Level struct {
	Segments []SegmentInfo `json:"segments"`
}

// ErrDisjointViolation is a fatal logic error: an insert into a disjoint
// level (i >= 1) would overlap an existing segment in that level.
type ErrDisjointViolation struct {
	Level   int
	Segment uint64
}

func (e *ErrDisjointViolation) Error() string {
	return fmt.Sprintf("manifest: segment %d would violate level %d's disjoint invariant", e.Segment, e.Level)
}

// ErrUnknownSegment is returned when an operation names a segment id the
// manifest does not currently track.
var ErrUnknownSegment = fmt.Errorf("manifest: unknown segment id")

// Manifest is the in-memory level manifest plus its on-disk persistence.
// A single readers-writer lock guards levels, hidden, and generation:
// readers hold it only long enough to snapshot the segment list; writers
// hold it only during the state change itself, never during I/O.
type Manifest struct {
	mu sync.RWMutex

	dir        string
	treeID     uint64
	generation uint64
	levels     []Level
	hidden     map[uint64]struct{}
}

type onDisk struct {
	TreeID     uint64  `json:"tree_id"`
	Generation uint64  `json:"generation"`
	Levels     []Level `json:"levels"`
}

// New creates an empty Manifest with levelCount levels, rooted at dir (the
// tree's root directory; the manifest file lives at dir/levels.manifest).
func New(dir string, treeID uint64, levelCount int) *Manifest {
	return &Manifest{
		dir:    dir,
		treeID: treeID,
		levels: make([]Level, levelCount),
		hidden: make(map[uint64]struct{}),
	}
}

// Load reads dir/levels.manifest if present and returns the reconstructed
// Manifest; if the file does not exist, it returns a fresh empty Manifest
// with levelCount levels, matching first-open behavior.
func Load(dir string, levelCount int) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if os.IsNotExist(err) {
		return New(dir, 0, levelCount), nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if len(d.Levels) < levelCount {
		d.Levels = append(d.Levels, make([]Level, levelCount-len(d.Levels))...)
	}
	return &Manifest{
		dir:        dir,
		treeID:     d.TreeID,
		generation: d.Generation,
		levels:     d.Levels,
		hidden:     make(map[uint64]struct{}),
	}, nil
}

// TreeID returns the manifest's tree identity.
func (m *Manifest) TreeID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.treeID
}

// SetTreeID assigns the tree identity, used once by the tree facade on a
// fresh (never-persisted) manifest.
func (m *Manifest) SetTreeID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treeID = id
}

// LevelCount returns the number of levels the manifest tracks.
func (m *Manifest) LevelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.levels)
}

// Generation returns the current generation counter.
func (m *Manifest) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Snapshot returns a deep copy of every level's visible (non-hidden)
// segment list, for a reader composing a consistent view at iterator or
// point-lookup construction time.
func (m *Manifest) Snapshot() []Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Level, len(m.levels))
	for i, lvl := range m.levels {
		for _, s := range lvl.Segments {
			if _, hidden := m.hidden[s.SegmentID]; hidden {
				continue
			}
			out[i].Segments = append(out[i].Segments, s)
		}
	}
	return out
}

// GetSegmentContainingKey returns the segment in level that may contain
// key, using binary search by MinUserKey for disjoint levels (i >= 1) and
// a linear newest-first scan for L0, whose segments may overlap.
func (m *Manifest) GetSegmentContainingKey(level int, key []byte) (SegmentInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if level < 0 || level >= len(m.levels) {
		return SegmentInfo{}, false
	}
	segs := m.levels[level].Segments
	if level == 0 {
		for _, s := range segs {
			if _, hidden := m.hidden[s.SegmentID]; hidden {
				continue
			}
			if s.Overlaps(key, key) {
				return s, true
			}
		}
		return SegmentInfo{}, false
	}
	idx := sort.Search(len(segs), func(i int) bool {
		return bytes.Compare(segs[i].MinUserKey, key) > 0
	})
	if idx == 0 {
		return SegmentInfo{}, false
	}
	s := segs[idx-1]
	if _, hidden := m.hidden[s.SegmentID]; hidden {
		return SegmentInfo{}, false
	}
	if bytes.Compare(key, s.MaxUserKey) > 0 {
		return SegmentInfo{}, false
	}
	return s, true
}

// FindInLevel searches an already-captured Level snapshot (as returned by
// Snapshot) for the segment that may contain userKey, using the same
// binary search GetSegmentContainingKey uses for disjoint levels. It takes
// no lock, so a reader can call it repeatedly against one Snapshot() call
// without re-acquiring the manifest for every level it probes.
func FindInLevel(lvl Level, userKey []byte) (SegmentInfo, bool) {
	segs := lvl.Segments
	idx := sort.Search(len(segs), func(i int) bool {
		return bytes.Compare(segs[i].MinUserKey, userKey) > 0
	})
	if idx == 0 {
		return SegmentInfo{}, false
	}
	s := segs[idx-1]
	if bytes.Compare(userKey, s.MaxUserKey) > 0 {
		return SegmentInfo{}, false
	}
	return s, true
}

// InsertSegment adds seg to level. Level 0 segments are prepended (newest
// first); level i >= 1 segments are inserted at their sorted position and
// must not overlap an existing segment, or InsertSegment returns
// *ErrDisjointViolation without modifying the manifest.
func (m *Manifest) InsertSegment(level int, seg SegmentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level < 0 || level >= len(m.levels) {
		return fmt.Errorf("manifest: level %d out of range", level)
	}
	if level == 0 {
		segs := make([]SegmentInfo, 0, len(m.levels[0].Segments)+1)
		segs = append(segs, seg)
		segs = append(segs, m.levels[0].Segments...)
		m.levels[0].Segments = segs
		return nil
	}

	segs := m.levels[level].Segments
	for _, existing := range segs {
		if existing.overlapsRange(seg) {
			return &ErrDisjointViolation{Level: level, Segment: seg.SegmentID}
		}
	}
	idx := sort.Search(len(segs), func(i int) bool {
		return bytes.Compare(segs[i].MinUserKey, seg.MinUserKey) >= 0
	})
	segs = append(segs, SegmentInfo{})
	copy(segs[idx+1:], segs[idx:])
	segs[idx] = seg
	m.levels[level].Segments = segs
	return nil
}

// RemoveSegments removes every segment in ids from level, wherever it is
// found across all levels (a compaction's inputs may span two adjacent
// levels). Ids not present are silently ignored.
func (m *Manifest) RemoveSegments(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	remove := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.levels {
		segs := m.levels[i].Segments
		kept := segs[:0]
		for _, s := range segs {
			if _, drop := remove[s.SegmentID]; drop {
				continue
			}
			kept = append(kept, s)
		}
		m.levels[i].Segments = kept
	}
	for id := range remove {
		delete(m.hidden, id)
	}
}

// HideSegments marks ids invisible to readers without removing them from
// their level, used by the compaction worker before it commits a merge.
func (m *Manifest) HideSegments(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.hidden[id] = struct{}{}
	}
}

// ShowSegments is the rollback/recovery inverse of HideSegments.
func (m *Manifest) ShowSegments(ids []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.hidden, id)
	}
}

// FindSegment searches every level for id and returns its info and level.
func (m *Manifest) FindSegment(id uint64) (SegmentInfo, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for level, lvl := range m.levels {
		for _, s := range lvl.Segments {
			if s.SegmentID == id {
				return s, level, true
			}
		}
	}
	return SegmentInfo{}, 0, false
}

// TotalFileSize sums FileSize across every live (non-hidden) segment.
func (m *Manifest) TotalFileSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, lvl := range m.levels {
		for _, s := range lvl.Segments {
			if _, hidden := m.hidden[s.SegmentID]; hidden {
				continue
			}
			total += s.FileSize
		}
	}
	return total
}

// Persist atomically rewrites dir/levels.manifest: write to
// levels.manifest.tmp, fsync, rename over the live file. Hidden-segment
// state affects reader visibility only and is never persisted.
func (m *Manifest) Persist() error {
	m.mu.Lock()
	m.generation++
	d := onDisk{TreeID: m.treeID, Generation: m.generation, Levels: m.levels}
	m.mu.Unlock()

	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}

	tmpPath := filepath.Join(m.dir, manifestFileName+".tmp")
	finalPath := filepath.Join(m.dir, manifestFileName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: create tmp: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return nil
}
