package segment

import (
	"github.com/mbrt/lsmtree/internal/block"
	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/key"
)

// Iterator walks a Segment's entries forward or backward, loading index
// and value blocks on demand through the block cache. It implements
// merge.Source / mvcc.Source so segments compose directly into the
// merge and MVCC streams.
//
// Position is tracked as a pair of block-index positions (topPos within
// the top-level index, lowerPos within the current lower-level index)
// plus a cursor into the current value block, rather than by file offset,
// so stepping across a block boundary is an O(1) position increment.
type Iterator struct {
	seg    *Segment
	policy cache.CachePolicy

	topPos   int
	lower    *block.IndexBlock
	lowerPos int
	blk      *block.Block
	blkIt    *block.Iterator

	valid bool
	err   error
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
}

// loadAt positions the iterator at (topPos, lowerPos) and loads that
// lower index block and value block, without yet seeking within the
// block.
func (it *Iterator) loadAt(topPos, lowerPos int) bool {
	top, ok := it.seg.topIndex.HandleAtIndex(topPos)
	if !ok {
		return false
	}
	lower, err := it.seg.loadIndexBlock(top.Offset, it.policy)
	if err != nil {
		it.fail(err)
		return false
	}
	dataHandle, ok := lower.HandleAtIndex(lowerPos)
	if !ok {
		return false
	}
	blk, err := it.seg.loadValueBlock(dataHandle.Offset, it.policy)
	if err != nil {
		it.fail(err)
		return false
	}
	it.topPos = topPos
	it.lower = lower
	it.lowerPos = lowerPos
	it.blk = blk
	it.blkIt = blk.NewIterator()
	return true
}

// SeekToFirst positions the iterator at the segment's first entry.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	if !it.loadAt(0, 0) {
		it.valid = false
		return
	}
	it.blkIt.SeekToFirst()
	it.valid = it.blkIt.Valid()
}

// SeekToLast positions the iterator at the segment's last entry.
func (it *Iterator) SeekToLast() {
	it.err = nil
	topPos := it.seg.topIndex.NumHandles() - 1
	if topPos < 0 {
		it.valid = false
		return
	}
	top, _ := it.seg.topIndex.HandleAtIndex(topPos)
	lower, err := it.seg.loadIndexBlock(top.Offset, it.policy)
	if err != nil {
		it.fail(err)
		return
	}
	lowerPos := lower.NumHandles() - 1
	if lowerPos < 0 {
		it.valid = false
		return
	}
	if !it.loadAt(topPos, lowerPos) {
		it.valid = false
		return
	}
	it.blkIt.SeekToLast()
	it.valid = it.blkIt.Valid()
}

// locateForward finds the lowest block that may contain userKey, loads
// it, and reports whether one was found (false means userKey is past the
// end of the segment).
func (it *Iterator) locateForward(userKey []byte) bool {
	topHandle, ok := it.seg.topIndex.GetLowestDataBlockHandleContainingItem(userKey)
	if !ok {
		return false
	}
	topPos := it.seg.topIndex.IndexOf(topHandle.Offset)
	for {
		lower, err := it.seg.loadIndexBlock(topHandle.Offset, it.policy)
		if err != nil {
			it.fail(err)
			return false
		}
		if dataHandle, ok := lower.GetLowestDataBlockHandleContainingItem(userKey); ok {
			lowerPos := lower.IndexOf(dataHandle.Offset)
			return it.loadAt(topPos, lowerPos)
		}
		topPos++
		next, ok := it.seg.topIndex.HandleAtIndex(topPos)
		if !ok {
			return false
		}
		topHandle = next
	}
}

// SeekInternal positions the iterator at the first entry with
// InternalKey >= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekInternal(target key.InternalKey) {
	it.err = nil
	if !it.locateForward(target.UserKey) {
		it.valid = false
		return
	}
	it.blkIt.SeekInternal(target)
	if it.blkIt.Valid() {
		it.valid = true
		return
	}
	it.advanceBlockForward()
}

// locateBackward finds the highest block that may contain a key <=
// target, loads it, and reports whether one was found.
func (it *Iterator) locateBackward(userKey []byte) bool {
	if !it.locateForward(userKey) {
		// userKey is past every end_key in the segment: the last block
		// is the candidate.
		it.SeekToLast()
		return it.valid || it.err != nil
	}
	return true
}

// SeekForPrevInternal positions the iterator at the last entry with
// InternalKey <= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekForPrevInternal(target key.InternalKey) {
	it.err = nil
	if !it.locateBackward(target.UserKey) {
		it.valid = false
		return
	}
	if it.err != nil {
		return
	}
	it.blkIt.SeekForPrevInternal(target)
	if it.blkIt.Valid() {
		it.valid = true
		return
	}
	it.advanceBlockBackward()
}

// advanceBlockForward moves to the first entry of the next value block,
// walking up through the lower and top index levels as needed, until a
// non-empty block is found or the segment is exhausted.
func (it *Iterator) advanceBlockForward() {
	for {
		nextLower := it.lowerPos + 1
		if nextLower < it.lower.NumHandles() {
			if !it.loadAt(it.topPos, nextLower) {
				it.valid = false
				return
			}
		} else {
			nextTop := it.topPos + 1
			if !it.loadAt(nextTop, 0) {
				it.valid = false
				return
			}
		}
		it.blkIt.SeekToFirst()
		if it.blkIt.Valid() {
			it.valid = true
			return
		}
	}
}

// advanceBlockBackward is the symmetric counterpart of
// advanceBlockForward, walking to the last entry of the previous value
// block.
func (it *Iterator) advanceBlockBackward() {
	for {
		if it.lowerPos > 0 {
			if !it.loadAt(it.topPos, it.lowerPos-1) {
				it.valid = false
				return
			}
		} else {
			prevTop := it.topPos - 1
			if prevTop < 0 {
				it.valid = false
				return
			}
			top, _ := it.seg.topIndex.HandleAtIndex(prevTop)
			lower, err := it.seg.loadIndexBlock(top.Offset, it.policy)
			if err != nil {
				it.fail(err)
				return
			}
			if !it.loadAt(prevTop, lower.NumHandles()-1) {
				it.valid = false
				return
			}
		}
		it.blkIt.SeekToLast()
		if it.blkIt.Valid() {
			it.valid = true
			return
		}
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Next advances the iterator forward.
func (it *Iterator) Next() {
	it.blkIt.Next()
	if it.blkIt.Valid() {
		return
	}
	it.advanceBlockForward()
}

// Prev moves the iterator backward.
func (it *Iterator) Prev() {
	it.blkIt.Prev()
	if it.blkIt.Valid() {
		return
	}
	it.advanceBlockBackward()
}

// Key returns the InternalKey at the current position.
func (it *Iterator) Key() key.InternalKey { return it.blkIt.Key() }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.blkIt.Value() }

// Err returns the first error encountered while loading blocks, if any.
func (it *Iterator) Err() error { return it.err }
