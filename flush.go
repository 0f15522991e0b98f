package lsmtree

import (
	"fmt"

	"github.com/mbrt/lsmtree/internal/manifest"
	"github.com/mbrt/lsmtree/internal/memtable"
	"github.com/mbrt/lsmtree/internal/segment"
)

// FlushActiveMemtable seals the active memtable, appends it to the sealed
// queue, writes its contents out as a new L0 segment, installs the segment
// at the head of L0, and drops the sealed entry.
//
// A no-op if the active memtable is empty, since there would be nothing
// to seal.
func (t *Tree) FlushActiveMemtable() error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	t.stateMu.Lock()
	if t.active.Len() == 0 {
		t.stateMu.Unlock()
		return nil
	}
	sealed := t.active
	t.active = memtable.New()
	t.sealed.Push(sealed)
	t.stateMu.Unlock()

	meta, blocks, bloom := t.buildSegmentFrom(sealed.NewIterator(), 0)

	dir := segmentDir(t.path, meta.SegmentID)
	if err := segment.WriteDir(dir, meta, blocks, bloom); err != nil {
		return fmt.Errorf("lsmtree: flush: %w", err)
	}
	seg, err := segment.Open(dir, t.files, t.cache)
	if err != nil {
		return fmt.Errorf("lsmtree: flush: reopen segment: %w", err)
	}
	t.registerSegment(seg)

	// Install the segment and pop the sealed queue under one write hold of
	// the barrier lock, so a reader capturing its snapshot sees the sealed
	// memtable's contents exactly once: either still in the queue or in
	// the freshly installed L0 segment, never both and never neither. The
	// I/O (segment write above, manifest persist below) stays outside the
	// lock.
	t.stateMu.Lock()
	if err := t.manifest.InsertSegment(0, segmentInfoFromMeta(meta)); err != nil {
		t.stateMu.Unlock()
		return fmt.Errorf("lsmtree: flush: install segment: %w", err)
	}
	t.sealed.PopFront()
	t.stateMu.Unlock()

	if err := t.manifest.Persist(); err != nil {
		return fmt.Errorf("lsmtree: flush: persist manifest: %w", err)
	}

	t.maybeCompact()
	return nil
}

func (t *Tree) buildSegmentFrom(it *memtable.Iterator, destLevel int) (segment.Meta, []byte, []byte) {
	segID := t.nextSegmentID.Add(1) - 1
	w := segment.NewWriter(segment.WriterOptions{
		TreeID:      t.opts.TreeID,
		SegmentID:   segID,
		BlockSize:   int(t.opts.BlockSize),
		Compression: t.opts.Compression,
		BloomFPRate: t.bloomFPRate(destLevel),
	})
	for it.SeekToFirst(); it.Valid(); it.Next() {
		w.Add(it.Key(), it.Value())
	}
	return w.Finish()
}

func (t *Tree) bloomFPRate(level int) float64 {
	rates := t.opts.BloomFPRatePerLevel
	if len(rates) == 0 {
		return 0
	}
	if level >= len(rates) {
		level = len(rates) - 1
	}
	return rates[level]
}

func segmentInfoFromMeta(m segment.Meta) manifest.SegmentInfo {
	return manifest.SegmentInfo{
		SegmentID:      m.SegmentID,
		MinUserKey:     m.MinUserKey,
		MaxUserKey:     m.MaxUserKey,
		MinSeqNo:       m.MinSeqNo,
		MaxSeqNo:       m.MaxSeqNo,
		FileSize:       m.FileSize,
		ItemCount:      m.ItemCount,
		TombstoneCount: m.TombstoneCount,
	}
}
