// Package compaction implements the compaction worker and its pluggable
// strategy interface. A Strategy has exactly one operation, Choose over
// the current level state, returning a tagged Choice; concrete pickers
// plug in without touching the worker.
package compaction

import (
	"sort"

	"github.com/mbrt/lsmtree/internal/manifest"
)

// ChoiceKind tags the Choice sum type.
type ChoiceKind int

const (
	// DoNothing means no compaction is needed right now.
	DoNothing ChoiceKind = iota
	// DeleteSegments means the named segments should be removed (e.g. an
	// empty compaction whose tombstones fully absorbed a level's data).
	DeleteSegments
	// DoCompact means the named segments should be merged into dest_level.
	DoCompact
)

// Choice is the tagged sum a Strategy returns.
type Choice struct {
	Kind ChoiceKind

	// SegmentIDs is populated for DeleteSegments.
	SegmentIDs []uint64

	// DoCompact fields.
	InputIDs   []uint64
	DestLevel  int
	TargetSize uint64
}

// Config parameterizes a Strategy's decisions.
type Config struct {
	LevelCount           int
	LevelRatio           int
	L0CompactionTrigger  int
	TargetFileSizeBase   uint64
	MaxBytesForLevelBase uint64
}

// DefaultConfig derives picker thresholds from the tree's level count and
// ratio.
func DefaultConfig(levelCount, levelRatio int) Config {
	return Config{
		LevelCount:           levelCount,
		LevelRatio:           levelRatio,
		L0CompactionTrigger:  4,
		TargetFileSizeBase:   64 << 20,
		MaxBytesForLevelBase: 256 << 20,
	}
}

// Strategy picks what the worker should do next. Concrete strategies
// (leveled, size-tiered, major) plug in without touching the worker.
type Strategy interface {
	Choose(levels []manifest.Level, cfg Config) Choice
}

func targetSizeForLevel(cfg Config, level int) uint64 {
	size := cfg.MaxBytesForLevelBase
	for i := 1; i < level; i++ {
		size *= uint64(cfg.LevelRatio)
	}
	return size
}

func targetFileSizeForLevel(cfg Config, level int) uint64 {
	size := cfg.TargetFileSizeBase
	for i := 1; i < level; i++ {
		size *= uint64(cfg.LevelRatio)
	}
	return size
}

// LeveledStrategy implements leveled compaction: L0 is merged into L1 once
// it accumulates too many segments, and the disjoint level whose size most
// exceeds its target is merged into the next level down. There is no
// per-segment being-compacted flag; the worker runs one compaction cycle
// at a time, which is all the exclusivity the picker needs.
type LeveledStrategy struct{}

// Choose implements Strategy.
func (LeveledStrategy) Choose(levels []manifest.Level, cfg Config) Choice {
	if len(levels) == 0 {
		return Choice{Kind: DoNothing}
	}
	lastLevel := len(levels) - 1

	if len(levels[0].Segments) >= cfg.L0CompactionTrigger {
		return pickL0(levels, cfg)
	}

	bestLevel, bestScore := -1, 0.0
	for level := 1; level < lastLevel; level++ {
		size := levelBytes(levels[level])
		target := targetSizeForLevel(cfg, level)
		if target == 0 {
			continue
		}
		score := float64(size) / float64(target)
		if score > bestScore {
			bestScore, bestLevel = score, level
		}
	}
	if bestLevel < 0 || bestScore < 1.0 {
		return Choice{Kind: DoNothing}
	}
	return pickLevel(levels, cfg, bestLevel)
}

func levelBytes(lvl manifest.Level) uint64 {
	var total uint64
	for _, s := range lvl.Segments {
		total += s.FileSize
	}
	return total
}

func pickL0(levels []manifest.Level, cfg Config) Choice {
	l0 := levels[0].Segments
	if len(l0) == 0 {
		return Choice{Kind: DoNothing}
	}
	var minKey, maxKey []byte
	ids := make([]uint64, 0, len(l0))
	for _, s := range l0 {
		ids = append(ids, s.SegmentID)
		if minKey == nil || lessBytes(s.MinUserKey, minKey) {
			minKey = s.MinUserKey
		}
		if maxKey == nil || lessBytes(maxKey, s.MaxUserKey) {
			maxKey = s.MaxUserKey
		}
	}
	if len(levels) > 1 {
		for _, s := range levels[1].Segments {
			if s.Overlaps(minKey, maxKey) {
				ids = append(ids, s.SegmentID)
			}
		}
	}
	return Choice{Kind: DoCompact, InputIDs: ids, DestLevel: 1, TargetSize: targetFileSizeForLevel(cfg, 1)}
}

func pickLevel(levels []manifest.Level, cfg Config, level int) Choice {
	segs := levels[level].Segments
	if len(segs) == 0 {
		return Choice{Kind: DoNothing}
	}
	// Pick the single largest segment in the source level, then gather
	// every overlapping segment one level down.
	picked := segs[0]
	for _, s := range segs[1:] {
		if s.FileSize > picked.FileSize {
			picked = s
		}
	}
	ids := []uint64{picked.SegmentID}
	nextLevel := level + 1
	if nextLevel < len(levels) {
		for _, s := range levels[nextLevel].Segments {
			if s.Overlaps(picked.MinUserKey, picked.MaxUserKey) {
				ids = append(ids, s.SegmentID)
			}
		}
	}
	return Choice{Kind: DoCompact, InputIDs: ids, DestLevel: nextLevel, TargetSize: targetFileSizeForLevel(cfg, nextLevel)}
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// MajorStrategy merges every live segment across all levels into the last
// level in a single pass. Used by the tree facade's major-compaction
// entry point; at the last level plain tombstones can be dropped, so this
// is also how space held by deleted keys is reclaimed. TargetSize bounds
// each output segment; zero uses the last level's target file size.
type MajorStrategy struct {
	TargetSize uint64
}

// Choose implements Strategy.
func (s MajorStrategy) Choose(levels []manifest.Level, cfg Config) Choice {
	if len(levels) == 0 {
		return Choice{Kind: DoNothing}
	}
	var ids []uint64
	for _, lvl := range levels {
		for _, seg := range lvl.Segments {
			ids = append(ids, seg.SegmentID)
		}
	}
	if len(ids) == 0 {
		return Choice{Kind: DoNothing}
	}
	target := s.TargetSize
	if target == 0 {
		target = targetFileSizeForLevel(cfg, len(levels)-1)
	}
	return Choice{Kind: DoCompact, InputIDs: ids, DestLevel: len(levels) - 1, TargetSize: target}
}

// SizeTieredStrategy implements size-tiered compaction: once L0 holds
// L0CompactionTrigger segments, or any other level except the last holds
// LevelRatio segments, all of them are merged into one run at the next
// level down. Unlike LeveledStrategy it
// never picks a single largest file; it always absorbs a whole level at
// once, the classic size-tiered shape.
type SizeTieredStrategy struct{}

// Choose implements Strategy.
func (SizeTieredStrategy) Choose(levels []manifest.Level, cfg Config) Choice {
	if len(levels) == 0 {
		return Choice{Kind: DoNothing}
	}
	lastLevel := len(levels) - 1
	for level := 0; level < lastLevel; level++ {
		segs := levels[level].Segments
		trigger := cfg.L0CompactionTrigger
		if level > 0 {
			trigger = cfg.LevelRatio
		}
		if len(segs) < trigger {
			continue
		}
		ids := make([]uint64, 0, len(segs))
		sorted := append([]manifest.SegmentInfo(nil), segs...)
		sort.Slice(sorted, func(i, j int) bool { return lessBytes(sorted[i].MinUserKey, sorted[j].MinUserKey) })
		for _, s := range sorted {
			ids = append(ids, s.SegmentID)
		}
		nextLevel := level + 1
		for _, s := range levels[nextLevel].Segments {
			if s.Overlaps(sorted[0].MinUserKey, sorted[len(sorted)-1].MaxUserKey) {
				ids = append(ids, s.SegmentID)
			}
		}
		return Choice{Kind: DoCompact, InputIDs: ids, DestLevel: nextLevel, TargetSize: targetFileSizeForLevel(cfg, nextLevel)}
	}
	return Choice{Kind: DoNothing}
}
