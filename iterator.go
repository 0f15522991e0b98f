package lsmtree

import (
	"bytes"
	"math"

	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/key"
	"github.com/mbrt/lsmtree/internal/merge"
	"github.com/mbrt/lsmtree/internal/mvcc"
)

// buildSources composes every source that could hold an entry with
// user_key in [lo, hi] (nil on either side is unbounded) into one slice
// of merge.Source: the active memtable, every sealed memtable newest
// first, each overlapping L0 segment individually (L0 segments may
// overlap each other, so each needs its own slot in the merge), and for
// every disjoint level i >= 1 a single merge.MultiReader chaining its
// overlapping segments in key order, since within one disjoint level no
// tie-breaking between segments is ever needed.
func (t *Tree) buildSources(st snapshotState, lo, hi []byte) ([]merge.Source, error) {
	sources := make([]merge.Source, 0, len(st.sealed)+4)
	sources = append(sources, st.active.NewIterator())
	for i := len(st.sealed) - 1; i >= 0; i-- {
		sources = append(sources, st.sealed[i].NewIterator())
	}

	for level, lvl := range st.levels {
		if level == 0 {
			for _, info := range lvl.Segments {
				if !info.Overlaps(lo, hi) {
					continue
				}
				seg, err := t.openSegment(info.SegmentID)
				if err != nil {
					return nil, err
				}
				sources = append(sources, seg.NewIterator(cache.Populate))
			}
			continue
		}

		var segSources []merge.Source
		for _, info := range lvl.Segments {
			if !info.Overlaps(lo, hi) {
				continue
			}
			seg, err := t.openSegment(info.SegmentID)
			if err != nil {
				return nil, err
			}
			segSources = append(segSources, seg.NewIterator(cache.Populate))
		}
		if len(segSources) == 0 {
			continue
		}
		if len(segSources) == 1 {
			sources = append(sources, segSources[0])
			continue
		}
		sources = append(sources, merge.NewMultiReader(segSources))
	}
	return sources, nil
}

// Iterator walks a consistent snapshot of the tree's visible (key, value)
// pairs forward or backward, collapsing versions through an mvcc.Stream
// over a merge.Iterator composed at construction time. A compaction
// running after the Iterator is created can install new segments, but the
// manifest snapshot this Iterator already captured still references its
// original segments, which the tree keeps open until no reader can see
// them.
type Iterator struct {
	tree     *Tree
	stream   *mvcc.Stream
	seqUpper uint64
	lo, hi   []byte
}

func (t *Tree) newIterator(st snapshotState, lo, hi []byte) (*Iterator, error) {
	sources, err := t.buildSources(st, lo, hi)
	if err != nil {
		return nil, err
	}
	// The seqno filter enforces the snapshot's read barrier: entries
	// assigned seqnos at or above the captured next_seqno stay invisible
	// even when they land in a memtable this iterator already holds.
	filtered := mvcc.NewSeqNoFilter(merge.New(sources), st.seqUpper)
	return &Iterator{
		tree:     t,
		stream:   mvcc.New(filtered),
		seqUpper: st.seqUpper,
		lo:       lo,
		hi:       hi,
	}, nil
}

// Iter returns an Iterator over every visible entry in the tree.
func (t *Tree) Iter() (*Iterator, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.newIterator(t.captureState(), nil, nil)
}

// Range returns an Iterator over visible entries with user_key in the
// half-open interval [lo, hi).
func (t *Tree) Range(lo, hi []byte) (*Iterator, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.newIterator(t.captureState(), lo, hi)
}

// Prefix returns an Iterator over visible entries whose user_key begins
// with p.
func (t *Tree) Prefix(p []byte) (*Iterator, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.newIterator(t.captureState(), p, prefixUpperBound(p))
}

// prefixUpperBound returns the smallest key that is greater than every key
// with prefix p, or nil if p is empty or consists entirely of 0xFF bytes
// (in which case the prefix range is unbounded above).
func prefixUpperBound(p []byte) []byte {
	bound := append([]byte(nil), p...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xFF {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// SeekToFirst positions the iterator at the first visible entry within
// bounds.
func (it *Iterator) SeekToFirst() {
	if it.lo == nil {
		it.stream.SeekToFirst()
	} else {
		it.stream.SeekInternal(key.New(it.lo, it.seqUpper, key.Value))
	}
	it.skipTombstonesForward()
}

// SeekToLast positions the iterator at the last visible entry within
// bounds.
func (it *Iterator) SeekToLast() {
	if it.hi == nil {
		it.stream.SeekToLast()
	} else {
		it.stream.SeekForPrevInternal(key.New(it.hi, math.MaxUint64, key.Tombstone))
	}
	it.skipTombstonesBackward()
}

// The MVCC stream still surfaces a key whose newest visible version is a
// plain tombstone (the tree-facade Get relies on that to distinguish
// "deleted" from "absent"); a user-facing iterator shows neither.
func (it *Iterator) skipTombstonesForward() {
	for it.stream.Valid() && it.stream.Key().Type.IsTombstone() {
		it.stream.Next()
	}
}

func (it *Iterator) skipTombstonesBackward() {
	for it.stream.Valid() && it.stream.Key().Type.IsTombstone() {
		it.stream.Prev()
	}
}

// Valid reports whether the iterator is positioned at an entry within
// bounds.
func (it *Iterator) Valid() bool {
	if it.stream.Err() != nil || !it.stream.Valid() {
		return false
	}
	k := it.stream.Key().UserKey
	if it.hi != nil && bytes.Compare(k, it.hi) >= 0 {
		return false
	}
	if it.lo != nil && bytes.Compare(k, it.lo) < 0 {
		return false
	}
	return true
}

// Next advances the iterator forward.
func (it *Iterator) Next() {
	it.stream.Next()
	it.skipTombstonesForward()
}

// Prev moves the iterator backward.
func (it *Iterator) Prev() {
	it.stream.Prev()
	it.skipTombstonesBackward()
}

// Key returns the current entry's user key. Valid only while Valid().
func (it *Iterator) Key() []byte { return it.stream.Key().UserKey }

// Value returns the current entry's value. Valid only while Valid().
func (it *Iterator) Value() []byte { return it.stream.Value() }

// Err returns the first error observed from any underlying source.
func (it *Iterator) Err() error { return it.stream.Err() }

// Close releases the Iterator. It holds no resources beyond the segments
// its snapshot already keeps open in the tree's registry, so Close is a
// no-op kept for symmetry with Snapshot.Close.
func (it *Iterator) Close() error { return nil }
