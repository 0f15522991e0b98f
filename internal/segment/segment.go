package segment

import (
	"os"

	"github.com/mbrt/lsmtree/internal/block"
	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/filetable"
	"github.com/mbrt/lsmtree/internal/filter"
	"github.com/mbrt/lsmtree/internal/key"
)

// Segment is a single immutable sorted run, opened from its on-disk
// directory. Its top-level index block is loaded eagerly and held
// resident; lower-level index blocks and value blocks are fetched on
// demand through the shared block cache.
type Segment struct {
	meta     Meta
	dir      string
	fileID   filetable.ID
	files    *filetable.Table
	cache    cache.Cache
	topIndex *block.IndexBlock
	bloom    *filter.Filter
}

// Open opens a segment from dir. The segment's blocks file is registered
// in files under meta.SegmentID.
func Open(dir string, files *filetable.Table, blockCache cache.Cache) (*Segment, error) {
	meta, err := ReadMeta(dir)
	if err != nil {
		return nil, err
	}
	fileID := filetable.ID(meta.SegmentID)
	files.Insert(blocksPath(dir), fileID)

	var bloom *filter.Filter
	if raw, err := os.ReadFile(bloomPath(dir)); err == nil {
		bloom, err = filter.Decode(raw)
		if err != nil {
			return nil, err
		}
	}

	s := &Segment{
		meta:   meta,
		dir:    dir,
		fileID: fileID,
		files:  files,
		cache:  blockCache,
	}
	s.bloom = bloom

	top, err := s.loadIndexBlock(meta.TopLevelIndexOffset, cache.Populate)
	if err != nil {
		return nil, err
	}
	s.topIndex = top
	return s, nil
}

// Meta returns the segment's metadata.
func (s *Segment) Meta() Meta { return s.meta }

// ID returns the segment's descriptor-table identity.
func (s *Segment) ID() filetable.ID { return s.fileID }

func (s *Segment) cacheKey(offset uint64) cache.Key {
	return cache.Key{Segment: s.meta.GlobalID(), BlockOffset: offset}
}

func (s *Segment) loadRaw(offset uint64, policy cache.CachePolicy) ([]byte, error) {
	return s.cache.GetOrLoad(s.cacheKey(offset), policy, func() ([]byte, error) {
		guard, err := s.files.Access(s.fileID)
		if err != nil {
			return nil, err
		}
		defer guard.Release()
		raw, _, err := block.FromFileCompressed(guard.File(), int64(offset))
		return raw, err
	})
}

func (s *Segment) loadIndexBlock(offset uint64, policy cache.CachePolicy) (*block.IndexBlock, error) {
	raw, err := s.loadRaw(offset, policy)
	if err != nil {
		return nil, err
	}
	return block.ParseIndex(raw)
}

func (s *Segment) loadValueBlock(offset uint64, policy cache.CachePolicy) (*block.Block, error) {
	raw, err := s.loadRaw(offset, policy)
	if err != nil {
		return nil, err
	}
	return block.Parse(raw)
}

// MayContainKey reports whether userKey might be present, consulting the
// bloom filter if one exists; a segment without a filter behaves as if its
// filter always answered true.
func (s *Segment) MayContainKey(userKey []byte) bool {
	if s.bloom == nil {
		return true
	}
	return s.bloom.MayContain(userKey)
}

// Get performs a point lookup: bloom check, two-level index descent,
// cached block load, then binary search within the block filtered by
// seqnoUpper.
func (s *Segment) Get(userKey []byte, seqnoUpper uint64, policy cache.CachePolicy) (key.InternalKey, []byte, bool, error) {
	if !s.MayContainKey(userKey) {
		return key.InternalKey{}, nil, false, nil
	}
	topHandle, ok := s.topIndex.GetLowestDataBlockHandleContainingItem(userKey)
	if !ok {
		return key.InternalKey{}, nil, false, nil
	}
	lower, err := s.loadIndexBlock(topHandle.Offset, policy)
	if err != nil {
		return key.InternalKey{}, nil, false, err
	}
	dataHandle, ok := lower.GetLowestDataBlockHandleContainingItem(userKey)
	if !ok {
		return key.InternalKey{}, nil, false, nil
	}
	blk, err := s.loadValueBlock(dataHandle.Offset, policy)
	if err != nil {
		return key.InternalKey{}, nil, false, err
	}
	k, v, ok := blk.Get(userKey, seqnoUpper)
	return k, v, ok, nil
}

// NewIterator creates a forward/backward Iterator over the segment's
// entries, pulling index and value blocks on demand under policy.
func (s *Segment) NewIterator(policy cache.CachePolicy) *Iterator {
	return &Iterator{seg: s, policy: policy}
}
