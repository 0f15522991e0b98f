package segment

import (
	"github.com/mbrt/lsmtree/internal/block"
	"github.com/mbrt/lsmtree/internal/compression"
	"github.com/mbrt/lsmtree/internal/filter"
	"github.com/mbrt/lsmtree/internal/key"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	TreeID      uint64
	SegmentID   uint64
	BlockSize   int
	Compression compression.Type
	// BloomFPRate is the target false-positive rate for the segment's
	// bloom filter. Zero disables the filter.
	BloomFPRate float64
}

// Writer accumulates sorted (InternalKey, value) entries into one
// segment's blocks file plus its metadata and bloom filter, building a
// two-level index: data blocks are indexed by a lower-level index block,
// and lower-level index blocks are in turn indexed by one top-level index
// block written last.
//
// Entries must be Add-ed in ascending InternalKey order (the order the
// memtable, merge iterator, and compaction stream all already produce).
type Writer struct {
	opts WriterOptions

	blocks            []byte
	lastValueBlockOff uint64
	haveValueBlock    bool

	curValue    *block.Builder
	curValueEnd []byte // last key added to curValue

	lowerIndex    *block.IndexBuilder
	lowerIndexEnd []byte // end key of the last block added to lowerIndex
	topIndex      *block.IndexBuilder

	bloom *filter.Builder

	minKey, maxKey     []byte
	minSeqNo, maxSeqNo uint64
	haveRange          bool
	tombstones, items  uint64
}

// NewWriter creates an empty Writer.
func NewWriter(opts WriterOptions) *Writer {
	w := &Writer{
		opts:       opts,
		lowerIndex: block.NewIndexBuilder(),
		topIndex:   block.NewIndexBuilder(),
	}
	if opts.BloomFPRate > 0 {
		w.bloom = filter.NewBuilder(opts.BloomFPRate)
	}
	return w
}

// Add appends one entry. REQUIRES: k is >= every previously added key, by
// key.Compare.
func (w *Writer) Add(k key.InternalKey, value []byte) {
	if w.curValue == nil {
		w.curValue = block.NewBuilder()
	}
	w.curValue.Add(k, value)
	w.curValueEnd = append(w.curValueEnd[:0], k.UserKey...)

	if w.bloom != nil {
		w.bloom.AddKey(k.UserKey)
	}
	if !w.haveRange {
		w.minKey = append([]byte{}, k.UserKey...)
		w.minSeqNo, w.maxSeqNo = k.SeqNo, k.SeqNo
		w.haveRange = true
	}
	w.maxKey = append(w.maxKey[:0], k.UserKey...)
	if k.SeqNo < w.minSeqNo {
		w.minSeqNo = k.SeqNo
	}
	if k.SeqNo > w.maxSeqNo {
		w.maxSeqNo = k.SeqNo
	}
	w.items++
	if k.Type.IsTombstone() {
		w.tombstones++
	}

	if w.curValue.EstimatedSize() >= w.opts.BlockSize {
		w.flushValueBlock()
	}
}

func (w *Writer) flushValueBlock() {
	if w.curValue == nil || w.curValue.Empty() {
		return
	}
	raw := w.curValue.Finish()
	prev := uint64(0)
	if w.haveValueBlock {
		prev = w.lastValueBlockOff
	}
	offset := w.appendBlockChained(raw, w.lowerIndex, w.curValueEnd, prev)
	w.lastValueBlockOff = offset
	w.haveValueBlock = true
	w.lowerIndexEnd = append(w.lowerIndexEnd[:0], w.curValueEnd...)
	w.curValue = nil
	w.curValueEnd = nil

	if w.lowerIndex.EstimatedSize() >= w.opts.BlockSize {
		w.flushLowerIndexBlock()
	}
}

func (w *Writer) flushLowerIndexBlock() {
	if w.lowerIndex.Empty() {
		return
	}
	raw := w.lowerIndex.Finish()
	w.appendBlockChained(raw, w.topIndex, w.lowerIndexEnd, 0)
	w.lowerIndex = block.NewIndexBuilder()
	w.lowerIndexEnd = nil
}

// appendBlockChained wraps raw in a block header carrying previousOffset
// (meaningful only for the value-block chain; index blocks pass 0, since
// only value blocks are reverse-walkable), appends it to the blocks file,
// records its offset/end-key in parentIndex, and returns the offset it
// was written at.
func (w *Writer) appendBlockChained(raw []byte, parentIndex *block.IndexBuilder, endKey []byte, previousOffset uint64) uint64 {
	compressed, err := block.ToBytesCompressed(raw, w.opts.Compression, previousOffset)
	if err != nil {
		// Compression never fails for the configured types (None/Lz4/Zstd
		// over in-memory buffers); a failure here indicates a programming
		// error, not a runtime condition callers can recover from.
		panic(err)
	}
	offset := uint64(len(w.blocks))
	w.blocks = append(w.blocks, compressed...)
	parentIndex.Add(endKey, offset)
	return offset
}

// Finish flushes any pending blocks, writes the top-level index, and
// returns the segment's metadata plus its blocks-file and bloom-file
// bytes (bloomBytes is nil if no filter was configured or no keys were
// added).
func (w *Writer) Finish() (Meta, []byte, []byte) {
	w.flushValueBlock()
	w.flushLowerIndexBlock()

	var topOffset uint64
	if !w.topIndex.Empty() {
		raw := w.topIndex.Finish()
		topOffset = uint64(len(w.blocks))
		compressed, err := block.ToBytesCompressed(raw, w.opts.Compression, 0)
		if err != nil {
			panic(err)
		}
		w.blocks = append(w.blocks, compressed...)
	}

	var bloomBytes []byte
	if w.bloom != nil && w.bloom.NumKeys() > 0 {
		bloomBytes = w.bloom.Finish().Encode()
	}

	meta := Meta{
		SegmentID:           w.opts.SegmentID,
		TreeID:              w.opts.TreeID,
		MinUserKey:          w.minKey,
		MaxUserKey:          w.maxKey,
		MinSeqNo:            w.minSeqNo,
		MaxSeqNo:            w.maxSeqNo,
		TombstoneCount:      w.tombstones,
		ItemCount:           w.items,
		FileSize:            uint64(len(w.blocks)),
		Compression:         w.opts.Compression,
		BlockSize:           uint32(w.opts.BlockSize),
		TopLevelIndexOffset: topOffset,
	}
	return meta, w.blocks, bloomBytes
}

// Empty reports whether no entries have been added.
func (w *Writer) Empty() bool { return w.items == 0 }

// EstimatedSize estimates the total bytes written so far, used by the
// compaction worker to decide when to roll over to a new output segment.
func (w *Writer) EstimatedSize() int {
	size := len(w.blocks)
	if w.curValue != nil {
		size += w.curValue.EstimatedSize()
	}
	return size
}
