package merge

import "github.com/mbrt/lsmtree/internal/key"

// MultiReader chains a disjoint level's per-segment Sources in key order
// without merge-heap overhead: since the segments are known non-overlapping,
// advancing past one segment's last item simply moves to the next one.
// Used wherever a single disjoint level's iterators are composed; the
// general cross-level case still goes through Iterator.
type MultiReader struct {
	sources []Source
	idx     int
}

// NewMultiReader creates a MultiReader over sources already ordered by
// ascending min_user_key (the disjoint-level invariant).
func NewMultiReader(sources []Source) *MultiReader {
	return &MultiReader{sources: sources, idx: -1}
}

// SeekToFirst positions at the first item of the first segment holding one.
func (m *MultiReader) SeekToFirst() {
	for i, s := range m.sources {
		s.SeekToFirst()
		if s.Valid() {
			m.idx = i
			return
		}
	}
	m.idx = -1
}

// SeekToLast positions at the last item of the last segment holding one.
func (m *MultiReader) SeekToLast() {
	for i := len(m.sources) - 1; i >= 0; i-- {
		m.sources[i].SeekToLast()
		if m.sources[i].Valid() {
			m.idx = i
			return
		}
	}
	m.idx = -1
}

// SeekInternal positions at the first item with InternalKey >= target,
// seeking the segments one by one in key order and stopping at the first
// that holds such an item; since the level is disjoint and sorted, that
// item is the first in the whole level.
func (m *MultiReader) SeekInternal(target key.InternalKey) {
	for i, s := range m.sources {
		s.SeekInternal(target)
		if s.Valid() {
			m.idx = i
			return
		}
	}
	m.idx = -1
}

// SeekForPrevInternal is the backward counterpart of SeekInternal.
func (m *MultiReader) SeekForPrevInternal(target key.InternalKey) {
	for i := len(m.sources) - 1; i >= 0; i-- {
		m.sources[i].SeekForPrevInternal(target)
		if m.sources[i].Valid() {
			m.idx = i
			return
		}
	}
	m.idx = -1
}

// Valid reports whether the reader is positioned at an item.
func (m *MultiReader) Valid() bool { return m.idx >= 0 }

// Key returns the InternalKey at the current position.
func (m *MultiReader) Key() key.InternalKey { return m.sources[m.idx].Key() }

// Value returns the value at the current position.
func (m *MultiReader) Value() []byte { return m.sources[m.idx].Value() }

// Err returns the first error observed from any segment source.
func (m *MultiReader) Err() error {
	for _, s := range m.sources {
		if e := s.Err(); e != nil {
			return e
		}
	}
	return nil
}

// Next advances to the next item, moving to the next segment when the
// current one is exhausted.
func (m *MultiReader) Next() {
	if m.idx < 0 {
		return
	}
	m.sources[m.idx].Next()
	for !m.sources[m.idx].Valid() {
		m.idx++
		if m.idx >= len(m.sources) {
			m.idx = -1
			return
		}
		m.sources[m.idx].SeekToFirst()
	}
}

// Prev moves to the previous item, moving to the previous segment when the
// current one is exhausted.
func (m *MultiReader) Prev() {
	if m.idx < 0 {
		return
	}
	m.sources[m.idx].Prev()
	for !m.sources[m.idx].Valid() {
		m.idx--
		if m.idx < 0 {
			return
		}
		m.sources[m.idx].SeekToLast()
	}
}
