package mvcc

import "github.com/mbrt/lsmtree/internal/key"

// SeqNoFilter wraps a Source and hides every entry whose seqno is at or
// above an upper bound. This is how a snapshot's read barrier is enforced:
// an iterator captures next_seqno at creation and wraps its merged source
// in a SeqNoFilter, so writes assigned later seqnos stay invisible even
// when they land in a memtable the iterator already holds.
type SeqNoFilter struct {
	src   Source
	upper uint64
}

// NewSeqNoFilter wraps src so only entries with SeqNo strictly below upper
// are surfaced.
func NewSeqNoFilter(src Source, upper uint64) *SeqNoFilter {
	return &SeqNoFilter{src: src, upper: upper}
}

func (f *SeqNoFilter) skipForward() {
	for f.src.Valid() && f.src.Key().SeqNo >= f.upper {
		f.src.Next()
	}
}

func (f *SeqNoFilter) skipBackward() {
	for f.src.Valid() && f.src.Key().SeqNo >= f.upper {
		f.src.Prev()
	}
}

// SeekToFirst positions at the first visible entry.
func (f *SeqNoFilter) SeekToFirst() {
	f.src.SeekToFirst()
	f.skipForward()
}

// SeekToLast positions at the last visible entry.
func (f *SeqNoFilter) SeekToLast() {
	f.src.SeekToLast()
	f.skipBackward()
}

// SeekInternal positions at the first visible entry with InternalKey >= target.
func (f *SeqNoFilter) SeekInternal(target key.InternalKey) {
	f.src.SeekInternal(target)
	f.skipForward()
}

// SeekForPrevInternal positions at the last visible entry with InternalKey <= target.
func (f *SeqNoFilter) SeekForPrevInternal(target key.InternalKey) {
	f.src.SeekForPrevInternal(target)
	f.skipBackward()
}

// Valid reports whether the filter is positioned at a visible entry.
func (f *SeqNoFilter) Valid() bool { return f.src.Valid() }

// Next advances to the next visible entry.
func (f *SeqNoFilter) Next() {
	f.src.Next()
	f.skipForward()
}

// Prev moves to the previous visible entry.
func (f *SeqNoFilter) Prev() {
	f.src.Prev()
	f.skipBackward()
}

// Key returns the InternalKey at the current position.
func (f *SeqNoFilter) Key() key.InternalKey { return f.src.Key() }

// Value returns the value at the current position.
func (f *SeqNoFilter) Value() []byte { return f.src.Value() }

// Err returns the underlying source's error, if any.
func (f *SeqNoFilter) Err() error { return f.src.Err() }
