package lsmtree

import (
	"errors"

	"github.com/mbrt/lsmtree/internal/block"
	"github.com/mbrt/lsmtree/internal/encoding"
)

// Sentinel errors. The decode and checksum kinds alias their originating
// package's own sentinel (internal/encoding, internal/block) so errors.Is
// works whether a caller compares against the root package's name or the
// internal one that actually raised it.
var (
	// ErrChecksumMismatch is returned when a block's stored CRC32 does
	// not match its decompressed payload. Fatal for that one read; the
	// segment itself is not deleted.
	ErrChecksumMismatch = block.ErrChecksumMismatch

	// ErrCorruption covers manifest inconsistencies: a level referencing
	// a segment id with no file set, a disjoint-level overlap, or
	// duplicate segment ids.
	ErrCorruption = errors.New("lsmtree: corruption")

	// ErrPoisoned is returned when a lock's guarded invariant was
	// compromised by a prior panic. The tree must not be used further.
	ErrPoisoned = errors.New("lsmtree: poisoned")

	// ErrInvalidTag, ErrUnexpectedEOF, ErrLengthExceeded, and
	// ErrInvalidMagic are the decode-error kinds.
	ErrInvalidTag     = encoding.ErrInvalidTag
	ErrUnexpectedEOF  = encoding.ErrUnexpectedEOF
	ErrLengthExceeded = encoding.ErrLengthExceeded
	ErrInvalidMagic   = encoding.ErrInvalidMagic

	// ErrClosed is returned by any operation on a Tree after Close.
	ErrClosed = errors.New("lsmtree: tree is closed")
)
