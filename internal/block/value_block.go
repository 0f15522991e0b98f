package block

import (
	"bytes"
	"fmt"

	"github.com/mbrt/lsmtree/internal/encoding"
	"github.com/mbrt/lsmtree/internal/key"
)

// RestartInterval controls how often a full (non-prefix-compressed) key is
// stored in a value block; every Nth entry is a restart point, giving
// binary search a foothold without storing every key in full.
const RestartInterval = 16

// entry wire format inside a value block's raw payload:
//
//	shared:u32 unshared:u32 seqno:u64 type:u8 value_len:u32
//	unshared_key_bytes[unshared] value_bytes[value_len]
//
// shared is the number of leading bytes the user key shares with the
// previous entry's user key; it is always 0 at a restart point.

// Builder accumulates sorted (InternalKey, value) entries into one value
// block's raw (uncompressed) payload.
type Builder struct {
	buf         []byte
	restarts    []uint32
	count       int
	lastUserKey []byte
}

// NewBuilder creates an empty value block Builder.
func NewBuilder() *Builder {
	return &Builder{restarts: []uint32{0}}
}

// Add appends an entry. Entries must be added in ascending InternalKey order.
func (b *Builder) Add(k key.InternalKey, value []byte) {
	shared := 0
	if b.count%RestartInterval != 0 {
		shared = sharedPrefixLen(b.lastUserKey, k.UserKey)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
	}
	unshared := k.UserKey[shared:]

	b.buf = encoding.AppendUint32(b.buf, uint32(shared))
	b.buf = encoding.AppendUint32(b.buf, uint32(len(unshared)))
	b.buf = encoding.AppendUint64(b.buf, k.SeqNo)
	b.buf = append(b.buf, byte(k.Type))
	b.buf = encoding.AppendUint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, unshared...)
	b.buf = append(b.buf, value...)

	b.lastUserKey = append(b.lastUserKey[:0], k.UserKey...)
	b.count++
}

// Empty reports whether no entries have been added.
func (b *Builder) Empty() bool { return b.count == 0 }

// NumEntries returns the number of entries added so far.
func (b *Builder) NumEntries() int { return b.count }

// EstimatedSize returns the current size estimate of the encoded block,
// including the restart array and its trailing count but excluding the
// block header (see ToBytesCompressed).
func (b *Builder) EstimatedSize() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Finish serializes the accumulated entries plus restart array and count,
// producing the raw (uncompressed) block payload.
func (b *Builder) Finish() []byte {
	out := make([]byte, 0, b.EstimatedSize())
	out = append(out, b.buf...)
	for _, r := range b.restarts {
		out = encoding.AppendUint32(out, r)
	}
	out = encoding.AppendUint32(out, uint32(len(b.restarts)))
	return out
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Block is a decoded, read-only view over a value block's raw payload,
// supporting binary search by user key and forward/backward iteration.
type Block struct {
	data       []byte
	restarts   []uint32
	numEntries int
}

// Parse decodes a value block's raw payload (already decompressed and
// checksum-verified) into a Block.
func Parse(raw []byte) (*Block, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("block: %w: value block too short", encoding.ErrUnexpectedEOF)
	}
	numRestarts := encoding.Uint32(raw[len(raw)-4:])
	restartsStart := len(raw) - 4 - int(numRestarts)*4
	if restartsStart < 0 {
		return nil, fmt.Errorf("block: %w: restart array overruns payload", encoding.ErrLengthExceeded)
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = encoding.Uint32(raw[restartsStart+i*4:])
	}

	blk := &Block{data: raw[:restartsStart], restarts: restarts}
	blk.numEntries = blk.countEntries()
	return blk, nil
}

func (blk *Block) countEntries() int {
	n := 0
	it := blk.iterAt(0, nil)
	for it.stepForward(); it.valid(); it.stepForward() {
		n++
	}
	return n
}

// rawEntry is one decoded entry plus its offset and byte length in the data section.
type rawEntry struct {
	key.InternalKey
	Value  []byte
	offset int
	length int
}

// entryIter decodes entries sequentially starting at a restart point,
// reconstructing prefix-compressed user keys as it goes.
type entryIter struct {
	data    []byte
	pos     int
	lastKey []byte
	cur     rawEntry
	ok      bool
}

func (blk *Block) iterAt(restartOffset uint32, lastKey []byte) *entryIter {
	return &entryIter{data: blk.data, pos: int(restartOffset), lastKey: append([]byte{}, lastKey...)}
}

func (it *entryIter) valid() bool { return it.ok }

func (it *entryIter) stepForward() {
	if it.pos >= len(it.data) {
		it.ok = false
		return
	}
	start := it.pos
	shared := encoding.Uint32(it.data[it.pos:])
	it.pos += 4
	unsharedLen := encoding.Uint32(it.data[it.pos:])
	it.pos += 4
	seqno := encoding.Uint64(it.data[it.pos:])
	it.pos += 8
	typ := key.ValueType(it.data[it.pos])
	it.pos++
	valueLen := encoding.Uint32(it.data[it.pos:])
	it.pos += 4
	unshared := it.data[it.pos : it.pos+int(unsharedLen)]
	it.pos += int(unsharedLen)
	value := it.data[it.pos : it.pos+int(valueLen)]
	it.pos += int(valueLen)

	userKey := append(append([]byte{}, it.lastKey[:shared]...), unshared...)
	it.lastKey = userKey

	it.cur = rawEntry{
		InternalKey: key.InternalKey{UserKey: userKey, SeqNo: seqno, Type: typ},
		Value:       value,
		offset:      start,
		length:      it.pos - start,
	}
	it.ok = true
}

// Seek finds the first entry with user_key >= query, binary searching
// restart points then scanning linearly within the interval. Among
// equal-user_key matches the first entry is the newest version, per
// InternalKey ordering.
func (blk *Block) Seek(query []byte) (key.InternalKey, []byte, bool) {
	restartIdx := blk.seekRestart(query)
	it := blk.iterAt(blk.restarts[restartIdx], nil)
	it.stepForward()
	for it.valid() {
		if bytes.Compare(it.cur.UserKey, query) >= 0 {
			return it.cur.InternalKey, it.cur.Value, true
		}
		it.stepForward()
	}
	return key.InternalKey{}, nil, false
}

// seekRestart returns the index of the last restart point whose first key
// is < query (or the first restart point), so a forward scan from there
// reaches the first entry with user_key >= query, even when the versions
// of one user key straddle a restart point.
func (blk *Block) seekRestart(query []byte) int {
	lo, hi := 0, len(blk.restarts)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		it := blk.iterAt(blk.restarts[mid], nil)
		it.stepForward()
		if !it.valid() {
			hi = mid - 1
			continue
		}
		if bytes.Compare(it.cur.UserKey, query) < 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// Get returns the first entry with the given user key whose SeqNo is
// strictly below seqnoUpper, which due to InternalKey ordering
// (user_key asc, seqno desc) is the newest visible version.
func (blk *Block) Get(userKey []byte, seqnoUpper uint64) (key.InternalKey, []byte, bool) {
	restartIdx := blk.seekRestart(userKey)
	it := blk.iterAt(blk.restarts[restartIdx], nil)
	it.stepForward()
	for it.valid() {
		c := bytes.Compare(it.cur.UserKey, userKey)
		if c > 0 {
			return key.InternalKey{}, nil, false
		}
		if c == 0 && it.cur.SeqNo < seqnoUpper {
			return it.cur.InternalKey, it.cur.Value, true
		}
		it.stepForward()
	}
	return key.InternalKey{}, nil, false
}

// Iterator walks a Block's entries forward or backward.
type Iterator struct {
	blk     *Block
	entries []rawEntry
	idx     int
}

// decodeAll decodes every entry in the block; used to back a simple
// bidirectional Iterator (value blocks are small and bounded by
// configuration, so materializing them is the pragmatic choice here).
func (blk *Block) decodeAll() []rawEntry {
	entries := make([]rawEntry, 0, blk.numEntries)
	it := blk.iterAt(0, nil)
	it.stepForward()
	for it.valid() {
		entries = append(entries, it.cur)
		it.stepForward()
	}
	return entries
}

// NewIterator creates an Iterator positioned before the first entry.
func (blk *Block) NewIterator() *Iterator {
	return &Iterator{blk: blk, entries: blk.decodeAll(), idx: -1}
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.idx = 0
}

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() {
	it.idx = len(it.entries) - 1
}

// SeekTo positions the iterator at the first entry with user_key >= query.
func (it *Iterator) SeekTo(query []byte) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(it.entries[mid].UserKey, query) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.idx = lo
}

// SeekInternal positions the iterator at the first entry with
// InternalKey >= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekInternal(target key.InternalKey) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if key.Compare(it.entries[mid].InternalKey, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.idx = lo
}

// SeekForPrevInternal positions the iterator at the last entry with
// InternalKey <= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekForPrevInternal(target key.InternalKey) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if key.Compare(it.entries[mid].InternalKey, target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.idx = lo - 1
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.idx >= 0 && it.idx < len(it.entries) }

// Next advances the iterator forward.
func (it *Iterator) Next() { it.idx++ }

// Prev moves the iterator backward.
func (it *Iterator) Prev() { it.idx-- }

// Key returns the InternalKey at the current position.
func (it *Iterator) Key() key.InternalKey { return it.entries[it.idx].InternalKey }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.entries[it.idx].Value }

// Err always returns nil: NewIterator decodes every entry of the Block in
// memory up front, so no further I/O can fail once an Iterator exists. Present to satisfy
// merge.Source / mvcc.Source.
func (it *Iterator) Err() error { return nil }
