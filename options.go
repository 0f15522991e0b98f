// Package lsmtree implements an embedded, persistent, ordered key-value
// store organized as an LSM-tree with MVCC sequence numbers. This file,
// options.go, holds Options, a plain struct with a DefaultOptions
// constructor. There is deliberately no flag/env/config-file parsing
// layer: the library is embedded, and whatever front end hosts it owns
// that surface.
package lsmtree

import (
	"github.com/mbrt/lsmtree/internal/cache"
	"github.com/mbrt/lsmtree/internal/compression"
	"github.com/mbrt/lsmtree/internal/filetable"
	"github.com/mbrt/lsmtree/internal/logging"
)

// Options configures a Tree. The zero value is not directly usable for
// Path; use DefaultOptions to fill in every other field's default.
type Options struct {
	// Path is the tree's root directory on disk.
	Path string

	// BlockSize is the target size, in bytes, of a value or index block
	// before it is flushed (default 4096).
	BlockSize uint32
	// LevelCount is the number of levels, L0..L(LevelCount-1) (default 7).
	LevelCount uint8
	// LevelRatio is the size multiplier between adjacent levels (default 8).
	LevelRatio uint8

	// BlockCache is the shared block cache. Multiple trees may share one
	// instance by passing the same BlockCache in their Options; trees
	// share nothing unless explicitly wired this way. Defaults to a
	// private 64MiB sharded cache if nil.
	BlockCache cache.Cache
	// DescriptorTable is the shared file-descriptor pool, with the same
	// multi-tree sharing option as BlockCache. Defaults to a private
	// table with filetable.DefaultOptions() if nil.
	DescriptorTable *filetable.Table

	// Compression selects the block compression algorithm.
	Compression compression.Type
	// BloomFPRatePerLevel sets the target bloom false-positive rate per
	// level, indexed by destination level; the last entry is reused
	// beyond the slice's length. A zero-length slice disables bloom
	// filters for every level.
	BloomFPRatePerLevel []float64

	// MemtableSizeBytes is the size threshold, in bytes, at which the
	// active memtable is sealed and queued for flush.
	MemtableSizeBytes uint32

	// Logger receives structured log lines from every subsystem. Defaults
	// to logging.NewZapLogger() if nil.
	Logger logging.Logger

	// TreeID distinguishes this tree's segments within a shared block
	// cache or descriptor table. Defaults to 1 if zero.
	TreeID uint64
}

const (
	defaultBlockSize         = 4096
	defaultLevelCount        = 7
	defaultLevelRatio        = 8
	defaultMemtableSizeBytes = 4 << 20
	defaultBlockCacheBytes   = 64 << 20
)

// DefaultOptions returns Options with every field but Path set to its
// default.
func DefaultOptions(path string) Options {
	return Options{
		Path:                path,
		BlockSize:           defaultBlockSize,
		LevelCount:          defaultLevelCount,
		LevelRatio:          defaultLevelRatio,
		Compression:         compression.None,
		BloomFPRatePerLevel: []float64{0.01},
		MemtableSizeBytes:   defaultMemtableSizeBytes,
		TreeID:              1,
	}
}

func (o *Options) fillDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.LevelCount == 0 {
		o.LevelCount = defaultLevelCount
	}
	if o.LevelRatio == 0 {
		o.LevelRatio = defaultLevelRatio
	}
	if o.MemtableSizeBytes == 0 {
		o.MemtableSizeBytes = defaultMemtableSizeBytes
	}
	if o.BlockCache == nil {
		o.BlockCache = cache.New(defaultBlockCacheBytes)
	}
	if o.DescriptorTable == nil {
		o.DescriptorTable = filetable.New(filetable.DefaultOptions())
	}
	if o.Logger == nil {
		o.Logger = logging.NewZapLogger()
	}
	if o.TreeID == 0 {
		o.TreeID = 1
	}
}
