// Package filetable implements the bounded pool of open file handles shared
// by every segment of a tree. It is deliberately distinct from
// internal/cache: the cache holds decoded block bytes, this package holds
// raw, seekable *os.File handles and reclaims them under an LRU policy
// bounded by a handle-count budget rather than a byte budget.
package filetable

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ID identifies a segment's blocks file within one Table.
type ID uint64

var (
	// ErrUnknownSegment is returned by Access when id was never Inserted
	// (or was Removed).
	ErrUnknownSegment = errors.New("filetable: unknown segment id")
	// ErrTableFull is returned when every open handle is currently
	// borrowed (held by an un-Released Guard) and no slot can be
	// reclaimed.
	ErrTableFull = errors.New("filetable: no handle slot available")
)

// Options bounds the table's two resource dimensions.
type Options struct {
	// MaxSegments bounds the number of tracked (path, id) entries.
	MaxSegments int
	// MaxConcurrentHandles bounds the number of simultaneously open
	// *os.File handles.
	MaxConcurrentHandles int
}

// DefaultOptions returns reasonable bounds for a single tree.
func DefaultOptions() Options {
	return Options{MaxSegments: 10_000, MaxConcurrentHandles: 512}
}

type entry struct {
	id   ID
	path string
	// insertSeq supports eviction of the least-recently-inserted
	// tracked path when MaxSegments is exceeded.
	insertSeq uint64
}

type handle struct {
	id   ID
	file *os.File
	mu   sync.Mutex

	prev, next *handle // LRU list; borrowed handles stay linked and eviction skips them
}

// Table is the bounded pool of open file handles. The zero value is not
// usable; construct with New.
type Table struct {
	mu sync.Mutex

	opts Options

	paths      map[ID]*entry
	insertSeq  uint64
	insertNext uint64 // wall-clock-free monotonic counter for eviction order

	open      map[ID]*handle
	lruHead   *handle
	lruTail   *handle
	openCount int
}

// New creates a Table bounded by opts.
func New(opts Options) *Table {
	return &Table{
		opts:  opts,
		paths: make(map[ID]*entry),
		open:  make(map[ID]*handle),
	}
}

// Insert records path for id, opening nothing yet. If the table is already
// tracking MaxSegments ids, the least-recently-inserted one is evicted
// first (its open handle, if any, is closed).
func (t *Table) Insert(path string, id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.paths[id]; ok {
		t.paths[id] = &entry{id: id, path: path, insertSeq: t.insertNext}
		t.insertNext++
		return
	}

	for len(t.paths) >= t.opts.MaxSegments && t.opts.MaxSegments > 0 {
		t.evictOldestTrackedLocked()
	}

	t.paths[id] = &entry{id: id, path: path, insertSeq: t.insertNext}
	t.insertNext++
}

// Guard grants exclusive access to one segment's open file handle. File
// offset state is shared, so callers must Seek before each read, and must
// call Release when done.
type Guard struct {
	h *handle
}

// File returns the underlying handle. Valid only until Release.
func (g *Guard) File() *os.File { return g.h.file }

// Release returns the handle to the pool, allowing another Access or an
// eviction to proceed.
func (g *Guard) Release() { g.h.mu.Unlock() }

// Access returns a Guard for id's handle, opening it lazily on first use
// and reclaiming the least-recently-used open handle if the table is at
// MaxConcurrentHandles. The returned Guard's underlying mutex is held for
// the caller; Release it when done.
func (t *Table) Access(id ID) (*Guard, error) {
	t.mu.Lock()
	ent, ok := t.paths[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrUnknownSegment
	}

	if h, ok := t.open[id]; ok {
		t.unlinkLRULocked(h)
		t.mu.Unlock()
		h.mu.Lock()
		t.mu.Lock()
		t.pushFrontLRULocked(h)
		t.mu.Unlock()
		return &Guard{h: h}, nil
	}

	if t.opts.MaxConcurrentHandles > 0 {
		for t.openCount >= t.opts.MaxConcurrentHandles {
			if !t.evictOneOpenHandleLocked() {
				t.mu.Unlock()
				return nil, ErrTableFull
			}
		}
	}

	f, err := os.Open(ent.path)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("filetable: open segment %d at %s: %w", id, ent.path, err)
	}

	h := &handle{id: id, file: f}
	h.mu.Lock()
	t.open[id] = h
	t.pushFrontLRULocked(h)
	t.openCount++
	t.mu.Unlock()

	return &Guard{h: h}, nil
}

// Remove closes id's handle if open and stops tracking its path.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Table) removeLocked(id ID) {
	delete(t.paths, id)
	if h, ok := t.open[id]; ok {
		t.closeHandleLocked(h)
	}
}

// evictOldestTrackedLocked drops the least-recently-Inserted path entry.
// Called with t.mu held.
func (t *Table) evictOldestTrackedLocked() {
	var oldest *entry
	for _, e := range t.paths {
		if oldest == nil || e.insertSeq < oldest.insertSeq {
			oldest = e
		}
	}
	if oldest != nil {
		t.removeLocked(oldest.id)
	}
}

// evictOneOpenHandleLocked closes the least-recently-used handle that is
// not currently borrowed by a live Guard. Returns false if every open
// handle is borrowed. Called with t.mu held.
func (t *Table) evictOneOpenHandleLocked() bool {
	for h := t.lruTail; h != nil; h = h.prev {
		if h.mu.TryLock() {
			h.mu.Unlock()
			t.closeHandleLocked(h)
			return true
		}
	}
	return false
}

// closeHandleLocked removes h from the LRU list and the open map, and
// closes its file. Called with t.mu held.
func (t *Table) closeHandleLocked(h *handle) {
	t.unlinkLRULocked(h)
	delete(t.open, h.id)
	t.openCount--
	_ = h.file.Close()
}

func (t *Table) pushFrontLRULocked(h *handle) {
	h.prev = nil
	h.next = t.lruHead
	if t.lruHead != nil {
		t.lruHead.prev = h
	}
	t.lruHead = h
	if t.lruTail == nil {
		t.lruTail = h
	}
}

func (t *Table) unlinkLRULocked(h *handle) {
	if h.prev != nil {
		h.prev.next = h.next
	} else if t.lruHead == h {
		t.lruHead = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else if t.lruTail == h {
		t.lruTail = h.prev
	}
	h.prev, h.next = nil, nil
}

// OpenCount returns the number of currently open handles.
func (t *Table) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCount
}

// TrackedCount returns the number of tracked (path, id) entries.
func (t *Table) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

// Close closes every open handle and clears the table.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.open {
		_ = h.file.Close()
	}
	t.paths = make(map[ID]*entry)
	t.open = make(map[ID]*handle)
	t.lruHead, t.lruTail = nil, nil
	t.openCount = 0
}
