package block

import (
	"bytes"

	"github.com/mbrt/lsmtree/internal/encoding"
)

// KeyedBlockHandle maps a user key range to a child block's file offset.
// EndKey is the last user key of the value block (or child index block)
// stored at Offset.
type KeyedBlockHandle struct {
	EndKey []byte
	Offset uint64
}

// IndexBuilder accumulates a sorted list of KeyedBlockHandles into one
// index block's raw payload.
type IndexBuilder struct {
	handles []KeyedBlockHandle
}

// NewIndexBuilder creates an empty IndexBuilder.
func NewIndexBuilder() *IndexBuilder { return &IndexBuilder{} }

// Add appends a handle. Handles must be added in ascending EndKey order.
func (b *IndexBuilder) Add(endKey []byte, offset uint64) {
	b.handles = append(b.handles, KeyedBlockHandle{EndKey: append([]byte{}, endKey...), Offset: offset})
}

// Empty reports whether no handles have been added.
func (b *IndexBuilder) Empty() bool { return len(b.handles) == 0 }

// NumHandles returns the number of handles added so far.
func (b *IndexBuilder) NumHandles() int { return len(b.handles) }

// EstimatedSize estimates the encoded payload size.
func (b *IndexBuilder) EstimatedSize() int {
	size := 4
	for _, h := range b.handles {
		size += 4 + len(h.EndKey) + 8
	}
	return size
}

// Finish serializes the accumulated handles: count:u32, then per handle
// end_key_len:u32 || end_key_bytes || offset:u64.
func (b *IndexBuilder) Finish() []byte {
	out := make([]byte, 0, b.EstimatedSize())
	out = encoding.AppendUint32(out, uint32(len(b.handles)))
	for _, h := range b.handles {
		out = encoding.AppendLengthPrefixed(out, h.EndKey)
		out = encoding.AppendUint64(out, h.Offset)
	}
	return out
}

// IndexBlock is a decoded, read-only index block.
type IndexBlock struct {
	handles []KeyedBlockHandle
}

// ParseIndex decodes an index block's raw payload.
func ParseIndex(raw []byte) (*IndexBlock, error) {
	r := encoding.NewReader(raw)
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	handles := make([]KeyedBlockHandle, 0, count)
	for i := uint32(0); i < count; i++ {
		endKey, err := r.LengthPrefixed()
		if err != nil {
			return nil, err
		}
		offset, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		handles = append(handles, KeyedBlockHandle{EndKey: endKey, Offset: offset})
	}
	return &IndexBlock{handles: handles}, nil
}

// NumHandles returns the number of handles in the index.
func (ib *IndexBlock) NumHandles() int { return len(ib.handles) }

// HandleAt returns the handle at position i.
func (ib *IndexBlock) HandleAt(i int) KeyedBlockHandle { return ib.handles[i] }

// GetLowestDataBlockHandleContainingItem finds the smallest entry with
// end_key >= k via binary search; returns ok=false if k is past every
// end_key in this index (the key would be past the end of the segment).
func (ib *IndexBlock) GetLowestDataBlockHandleContainingItem(k []byte) (KeyedBlockHandle, bool) {
	lo, hi := 0, len(ib.handles)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(ib.handles[mid].EndKey, k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(ib.handles) {
		return KeyedBlockHandle{}, false
	}
	return ib.handles[lo], true
}

// GetNextBlockHandle returns the handle whose offset immediately follows
// afterOffset in index order, or ok=false if afterOffset is the last.
func (ib *IndexBlock) GetNextBlockHandle(afterOffset uint64) (KeyedBlockHandle, bool) {
	for i, h := range ib.handles {
		if h.Offset == afterOffset {
			if i+1 < len(ib.handles) {
				return ib.handles[i+1], true
			}
			return KeyedBlockHandle{}, false
		}
	}
	return KeyedBlockHandle{}, false
}

// HandleAtIndex returns the handle at position i and whether i is in range,
// used by iterators walking the index sequentially.
func (ib *IndexBlock) HandleAtIndex(i int) (KeyedBlockHandle, bool) {
	if i < 0 || i >= len(ib.handles) {
		return KeyedBlockHandle{}, false
	}
	return ib.handles[i], true
}

// IndexOf returns the position of the handle with the given offset, or -1.
func (ib *IndexBlock) IndexOf(offset uint64) int {
	for i, h := range ib.handles {
		if h.Offset == offset {
			return i
		}
	}
	return -1
}
