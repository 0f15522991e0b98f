package merge

import (
	"sort"

	"github.com/mbrt/lsmtree/internal/key"
)

// sliceSource is a test-only Source backed by a sorted in-memory slice.
type sliceSource struct {
	items []key.InternalValue
	idx   int
}

func newSliceSource(items []key.InternalValue) *sliceSource {
	sorted := append([]key.InternalValue{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return key.Compare(sorted[i].Key, sorted[j].Key) < 0 })
	return &sliceSource{items: sorted, idx: -1}
}

func (s *sliceSource) SeekToFirst() { s.idx = 0 }
func (s *sliceSource) SeekToLast()  { s.idx = len(s.items) - 1 }

func (s *sliceSource) SeekInternal(target key.InternalKey) {
	s.idx = sort.Search(len(s.items), func(i int) bool {
		return key.Compare(s.items[i].Key, target) >= 0
	})
}

func (s *sliceSource) SeekForPrevInternal(target key.InternalKey) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return key.Compare(s.items[i].Key, target) > 0
	})
	s.idx = idx - 1
}

func (s *sliceSource) Valid() bool        { return s.idx >= 0 && s.idx < len(s.items) }
func (s *sliceSource) Next()              { s.idx++ }
func (s *sliceSource) Prev()              { s.idx-- }
func (s *sliceSource) Key() key.InternalKey { return s.items[s.idx].Key }
func (s *sliceSource) Value() []byte      { return s.items[s.idx].Value }
func (s *sliceSource) Err() error         { return nil }
