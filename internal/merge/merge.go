// Package merge implements the N-way forward/backward merge iterator that
// composes many sorted sources into one globally InternalKey-ordered
// stream, plus a lighter-weight chain for disjoint levels where a full
// merge heap is unnecessary.
package merge

import "github.com/mbrt/lsmtree/internal/key"

// Source is one input to a merge: a bidirectional cursor over
// InternalKey-ordered items. Implementations are the value-block iterator,
// the memtable iterator, and the segment iterator.
type Source interface {
	SeekToFirst()
	SeekToLast()
	// SeekInternal positions at the first item with InternalKey >= target.
	SeekInternal(target key.InternalKey)
	// SeekForPrevInternal positions at the last item with InternalKey <= target.
	SeekForPrevInternal(target key.InternalKey)
	Valid() bool
	Next()
	Prev()
	Key() key.InternalKey
	Value() []byte
	Err() error
}

type direction int

const (
	dirForward direction = iota
	dirBackward
)

// Iterator merges a set of Sources into one globally ordered stream. Ties
// between sources (same user_key, same seqno) are broken by source index:
// lower index is treated as newer.
// evictOldVersions, enabled only by the compaction worker, drops all older
// versions of a user_key from every source immediately after the newest
// version is emitted.
type Iterator struct {
	sources          []Source
	evictOldVersions bool
	dir              direction
	curIdx           int
	err              error
}

// New creates a merge Iterator over sources, ordered newest-first (index 0
// is the newest source) for tie-breaking purposes.
func New(sources []Source) *Iterator {
	return &Iterator{sources: sources, curIdx: -1}
}

// WithEvictOldVersions enables the compaction-only mode that discards
// superseded versions of a user_key from every source as soon as the
// newest version has been emitted.
func (it *Iterator) WithEvictOldVersions(on bool) *Iterator {
	it.evictOldVersions = on
	return it
}

// SeekToFirst positions every source at its first item and prepares
// forward iteration. The iterator lands on the smallest item, if any.
func (it *Iterator) SeekToFirst() {
	for _, s := range it.sources {
		s.SeekToFirst()
	}
	it.dir = dirForward
	if it.checkErrors() {
		it.curIdx = -1
		return
	}
	it.curIdx = it.findSmallest()
}

// SeekToLast positions every source at its last item and prepares
// backward iteration. The iterator lands on the largest item, if any.
func (it *Iterator) SeekToLast() {
	for _, s := range it.sources {
		s.SeekToLast()
	}
	it.dir = dirBackward
	if it.checkErrors() {
		it.curIdx = -1
		return
	}
	it.curIdx = it.findLargest()
}

// SeekInternal positions every source at the first item with
// InternalKey >= target and prepares forward iteration. The target is a
// full InternalKey rather than a bare user key since sources are ordered
// by (user_key, seqno, type). This also makes Iterator itself satisfy the
// Source interface, so a merge.Iterator can be seeked directly by a point
// lookup without unwinding to SeekToFirst.
func (it *Iterator) SeekInternal(target key.InternalKey) {
	for _, s := range it.sources {
		s.SeekInternal(target)
	}
	it.dir = dirForward
	if it.checkErrors() {
		it.curIdx = -1
		return
	}
	it.curIdx = it.findSmallest()
}

// SeekForPrevInternal is the backward counterpart of SeekInternal: every
// source is positioned at the last item with InternalKey <= target.
func (it *Iterator) SeekForPrevInternal(target key.InternalKey) {
	for _, s := range it.sources {
		s.SeekForPrevInternal(target)
	}
	it.dir = dirBackward
	if it.checkErrors() {
		it.curIdx = -1
		return
	}
	it.curIdx = it.findLargest()
}

// Valid reports whether the iterator is currently positioned at an item.
func (it *Iterator) Valid() bool { return it.curIdx >= 0 }

// Err returns the first error observed from any source.
func (it *Iterator) Err() error { return it.err }

// Key returns the InternalKey at the current position.
func (it *Iterator) Key() key.InternalKey { return it.sources[it.curIdx].Key() }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.sources[it.curIdx].Value() }

func (it *Iterator) checkErrors() bool {
	for _, s := range it.sources {
		if e := s.Err(); e != nil {
			it.err = e
			return true
		}
	}
	return false
}

// findSmallest scans every valid source and returns the index of the one
// holding the smallest InternalKey, breaking ties by source index (lower
// index wins, i.e. is treated as newer).
func (it *Iterator) findSmallest() int {
	best := -1
	for i, s := range it.sources {
		if !s.Valid() {
			continue
		}
		if best == -1 || key.Compare(s.Key(), it.sources[best].Key()) < 0 {
			best = i
		}
	}
	return best
}

// findLargest scans every valid source and returns the index of the one
// holding the largest InternalKey, breaking ties by source index (lower
// index wins).
func (it *Iterator) findLargest() int {
	best := -1
	for i, s := range it.sources {
		if !s.Valid() {
			continue
		}
		if best == -1 || key.Compare(s.Key(), it.sources[best].Key()) > 0 {
			best = i
		}
	}
	return best
}

// switchToForward repositions every source other than the current winner
// so that forward motion resumes correctly from the current key.
func (it *Iterator) switchToForward() {
	if it.curIdx < 0 {
		it.dir = dirForward
		return
	}
	cur := it.sources[it.curIdx].Key()
	for i, s := range it.sources {
		if i == it.curIdx {
			continue
		}
		s.SeekInternal(cur)
		// If this source landed exactly on the key we already emitted
		// from another source, step past it so we don't re-emit it.
		if s.Valid() && key.Equal(s.Key(), cur) {
			s.Next()
		}
	}
	it.dir = dirForward
}

// switchToBackward is the symmetric counterpart of switchToForward.
func (it *Iterator) switchToBackward() {
	if it.curIdx < 0 {
		it.dir = dirBackward
		return
	}
	cur := it.sources[it.curIdx].Key()
	for i, s := range it.sources {
		if i == it.curIdx {
			continue
		}
		s.SeekForPrevInternal(cur)
		if s.Valid() && key.Equal(s.Key(), cur) {
			s.Prev()
		}
	}
	it.dir = dirBackward
}

// Next advances to the next item in InternalKey order. After a direction
// switch the current winner is still positioned on the item just emitted
// (switchToForward repositions every other source), so it is advanced here
// unconditionally.
func (it *Iterator) Next() {
	if it.dir != dirForward {
		it.switchToForward()
	}
	if it.curIdx >= 0 {
		it.advanceCurrentAndEvict(dirForward)
	}

	if it.checkErrors() {
		it.curIdx = -1
		return
	}

	it.curIdx = it.findSmallest()
}

// Prev moves to the previous item in InternalKey order.
func (it *Iterator) Prev() {
	if it.dir != dirBackward {
		it.switchToBackward()
	}
	if it.curIdx >= 0 {
		it.advanceCurrentAndEvict(dirBackward)
	}

	if it.checkErrors() {
		it.curIdx = -1
		return
	}

	it.curIdx = it.findLargest()
}

// advanceCurrentAndEvict advances the current winner past the item just
// emitted. In evictOldVersions mode it also drops every older version of
// that user_key from every source, since compaction never needs to see
// superseded versions again.
func (it *Iterator) advanceCurrentAndEvict(dir direction) {
	emitted := it.sources[it.curIdx].Key()
	if dir == dirForward {
		it.sources[it.curIdx].Next()
	} else {
		it.sources[it.curIdx].Prev()
	}

	if !it.evictOldVersions {
		return
	}
	for _, s := range it.sources {
		for s.Valid() && key.SameUserKey(s.Key(), emitted) {
			if dir == dirForward {
				s.Next()
			} else {
				s.Prev()
			}
		}
	}
}
