// Package memtable implements the in-memory ordered write buffer and the
// sealed-memtable queue awaiting flush.
package memtable

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbrt/lsmtree/internal/key"
)

// entry is one slot in the memtable's ordered set, keyed by InternalKey.
type entry struct {
	k key.InternalKey
	v []byte
}

// Memtable is an ordered map from InternalKey to UserValue. Inserts are
// idempotent on the same InternalKey; concurrent inserts are allowed, and
// readers see a consistent snapshot of entries present when they began.
type Memtable struct {
	mu      sync.RWMutex
	entries []entry // kept sorted by key.Compare
	size    atomic.Uint64
}

// New creates an empty Memtable.
func New() *Memtable {
	return &Memtable{}
}

// Insert adds or overwrites the entry for k. Idempotent: inserting the same
// InternalKey twice leaves the table at the same logical state (second
// write simply replaces the first's value, since InternalKey includes
// seqno and is therefore itself a distinguishing identity).
func (m *Memtable) Insert(k key.InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.search(k)
	if idx < len(m.entries) && key.Equal(m.entries[idx].k, k) {
		old := m.entries[idx].v
		m.entries[idx].v = value
		m.size.Add(uint64(len(value)) - uint64(len(old)))
		return
	}

	m.entries = append(m.entries, entry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry{k: k, v: value}
	m.size.Add(entrySize(k, value))
}

func entrySize(k key.InternalKey, value []byte) uint64 {
	return uint64(len(k.UserKey)) + uint64(len(value)) + 17 // seqno(8)+type(1)+overhead estimate
}

// search returns the index of the first entry >= k (sorted position).
func (m *Memtable) search(k key.InternalKey) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return key.Compare(m.entries[i].k, k) >= 0
	})
}

// Get returns the first entry with matching user_key and seqno strictly
// below seqnoUpper, which by InternalKey ordering is the newest visible
// version.
func (m *Memtable) Get(userKey []byte, seqnoUpper uint64) (key.InternalKey, []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].k.UserKey, userKey) >= 0
	})
	for ; idx < len(m.entries); idx++ {
		e := m.entries[idx]
		if !bytes.Equal(e.k.UserKey, userKey) {
			break
		}
		if e.k.SeqNo < seqnoUpper {
			return e.k, e.v, true
		}
	}
	return key.InternalKey{}, nil, false
}

// SizeBytes returns the tracked size of the memtable's contents in bytes.
func (m *Memtable) SizeBytes() uint64 { return m.size.Load() }

// Len returns the number of entries (including tombstones) in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// snapshot returns a stable copy of the entries slice for iteration,
// so readers see a consistent view of entries present when they began.
func (m *Memtable) snapshot() []entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Iterator walks a Memtable snapshot forward or backward.
type Iterator struct {
	entries []entry
	idx     int
}

// NewIterator creates an Iterator over a snapshot of the memtable's
// current contents.
func (m *Memtable) NewIterator() *Iterator {
	return &Iterator{entries: m.snapshot(), idx: -1}
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() { it.idx = 0 }

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() { it.idx = len(it.entries) - 1 }

// Seek positions the iterator at the first entry with user_key >= query.
func (it *Iterator) Seek(query []byte) {
	it.idx = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].k.UserKey, query) >= 0
	})
}

// SeekInternal positions the iterator at the first entry with
// InternalKey >= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekInternal(target key.InternalKey) {
	it.idx = sort.Search(len(it.entries), func(i int) bool {
		return key.Compare(it.entries[i].k, target) >= 0
	})
}

// SeekForPrevInternal positions the iterator at the last entry with
// InternalKey <= target, used by the merge iterator when switching
// direction mid-stream.
func (it *Iterator) SeekForPrevInternal(target key.InternalKey) {
	idx := sort.Search(len(it.entries), func(i int) bool {
		return key.Compare(it.entries[i].k, target) > 0
	})
	it.idx = idx - 1
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.idx >= 0 && it.idx < len(it.entries) }

// Next advances the iterator forward.
func (it *Iterator) Next() { it.idx++ }

// Prev moves the iterator backward.
func (it *Iterator) Prev() { it.idx-- }

// Key returns the InternalKey at the current position.
func (it *Iterator) Key() key.InternalKey { return it.entries[it.idx].k }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.entries[it.idx].v }

// Err always returns nil: the iterator runs over an immutable, already
// materialized snapshot of entries. Present to satisfy merge.Source /
// mvcc.Source.
func (it *Iterator) Err() error { return nil }

// SealedQueue is an ordered list of memtables awaiting flush. Flushing one
// preserves order so that L0 segments enter the manifest newest-first:
// the queue's front is the oldest sealed memtable.
type SealedQueue struct {
	mu    sync.RWMutex
	items []*Memtable
}

// NewSealedQueue creates an empty SealedQueue.
func NewSealedQueue() *SealedQueue { return &SealedQueue{} }

// Push appends a newly sealed memtable to the back of the queue.
func (q *SealedQueue) Push(m *Memtable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
}

// Front returns the oldest sealed memtable, or nil if the queue is empty.
func (q *SealedQueue) Front() *Memtable {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// PopFront removes the oldest sealed memtable. Called only after the
// flushed segment it produced is visible in the manifest.
func (q *SealedQueue) PopFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

// Snapshot returns a stable copy of the queued memtables, newest-last, for
// composing a read snapshot.
func (q *SealedQueue) Snapshot() []*Memtable {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Memtable, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of sealed memtables currently queued.
func (q *SealedQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
