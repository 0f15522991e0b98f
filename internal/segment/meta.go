// Package segment implements a single immutable sorted run on disk: its
// value blocks, two-level block index, optional bloom filter, point lookup
// protocol, and forward/backward iteration, all pulling blocks on demand
// through the shared block cache and file-descriptor table.
package segment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/compression"
)

// Meta is a segment's metadata, persisted as meta.json alongside its
// blocks and bloom files; the manifest itself is JSON too, so the whole
// tree's small structured records share one encoding.
type Meta struct {
	SegmentID uint64 `json:"segment_id"`
	TreeID    uint64 `json:"tree_id"`

	MinUserKey []byte `json:"min_user_key"`
	MaxUserKey []byte `json:"max_user_key"`
	MinSeqNo   uint64 `json:"min_seqno"`
	MaxSeqNo   uint64 `json:"max_seqno"`

	TombstoneCount uint64 `json:"tombstone_count"`
	ItemCount      uint64 `json:"item_count"`
	FileSize       uint64 `json:"file_size"`

	Compression compression.Type `json:"compression"`
	BlockSize   uint32           `json:"block_size"`

	// TopLevelIndexOffset is the offset of the top-level index block
	// within the blocks file; it is always the last block written.
	TopLevelIndexOffset uint64 `json:"top_level_index_offset"`
}

// GlobalID returns the segment's (tree_id, segment_id) identity, used as
// the block cache's key namespace.
func (m Meta) GlobalID() cache.GlobalSegmentId {
	return cache.GlobalSegmentId{TreeID: m.TreeID, SegmentID: m.SegmentID}
}

// KeyRange reports the segment's inclusive min/max user keys.
func (m Meta) KeyRange() (min, max []byte) { return m.MinUserKey, m.MaxUserKey }

// Overlaps reports whether the segment's key range intersects [lo, hi]. A
// nil bound is unbounded on that side.
func (m Meta) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(m.MinUserKey, hi) > 0 {
		return false
	}
	if lo != nil && bytes.Compare(m.MaxUserKey, lo) < 0 {
		return false
	}
	return true
}

const (
	blocksFileName = "blocks"
	metaFileName   = "meta.json"
	bloomFileName  = "bloom"
)

// WriteDir writes a segment's three files (blocks, meta.json, bloom) into
// dir, fsyncing each before returning. bloomBytes may be nil when no
// filter was built.
func WriteDir(dir string, meta Meta, blocksBytes, bloomBytes []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("segment: mkdir %s: %w", dir, err)
	}
	if err := writeFileSynced(filepath.Join(dir, blocksFileName), blocksBytes); err != nil {
		return err
	}
	if bloomBytes != nil {
		if err := writeFileSynced(filepath.Join(dir, bloomFileName), bloomBytes); err != nil {
			return err
		}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("segment: encode meta: %w", err)
	}
	if err := writeFileSynced(filepath.Join(dir, metaFileName), metaBytes); err != nil {
		return err
	}
	return nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("segment: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("segment: fsync %s: %w", path, err)
	}
	return nil
}

// ReadMeta reads and decodes a segment's meta.json.
func ReadMeta(dir string) (Meta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return Meta{}, fmt.Errorf("segment: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("segment: decode meta: %w", err)
	}
	return m, nil
}

// RemoveDir deletes a segment's directory and every file in it. Callers
// must not invoke it before the manifest excluding the segment is durable.
func RemoveDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("segment: remove %s: %w", dir, err)
	}
	return nil
}

func bloomPath(dir string) string { return filepath.Join(dir, bloomFileName) }
func blocksPath(dir string) string { return filepath.Join(dir, blocksFileName) }
