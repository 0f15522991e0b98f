// Package encoding implements the fixed-width, big-endian, length-prefixed
// binary primitives the tree's binary on-disk formats build on: block
// headers, index handles, bloom filters, and tagged value encodings compose
// these helpers rather than hand-rolling byte-order logic at each call site.
package encoding

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrUnexpectedEOF is returned when a decode reads past the end of its input.
	ErrUnexpectedEOF = errors.New("encoding: unexpected EOF")

	// ErrInvalidTag is returned when a tagged sum carries an unknown tag byte.
	ErrInvalidTag = errors.New("encoding: invalid tag")

	// ErrLengthExceeded is returned when a length prefix claims more bytes
	// than remain in the input.
	ErrLengthExceeded = errors.New("encoding: length prefix exceeds available data")

	// ErrInvalidMagic is returned when a file's leading magic bytes don't
	// match what the decoder expects.
	ErrInvalidMagic = errors.New("encoding: invalid magic bytes")
)

// PutUint16 writes v into dst as big-endian. REQUIRES: len(dst) >= 2.
func PutUint16(dst []byte, v uint16) { binary.BigEndian.PutUint16(dst, v) }

// PutUint32 writes v into dst as big-endian. REQUIRES: len(dst) >= 4.
func PutUint32(dst []byte, v uint32) { binary.BigEndian.PutUint32(dst, v) }

// PutUint64 writes v into dst as big-endian. REQUIRES: len(dst) >= 8.
func PutUint64(dst []byte, v uint64) { binary.BigEndian.PutUint64(dst, v) }

// Uint16 decodes a big-endian uint16. REQUIRES: len(src) >= 2.
func Uint16(src []byte) uint16 { return binary.BigEndian.Uint16(src) }

// Uint32 decodes a big-endian uint32. REQUIRES: len(src) >= 4.
func Uint32(src []byte) uint32 { return binary.BigEndian.Uint32(src) }

// Uint64 decodes a big-endian uint64. REQUIRES: len(src) >= 8.
func Uint64(src []byte) uint64 { return binary.BigEndian.Uint64(src) }

// AppendUint16 appends a big-endian uint16 to dst.
func AppendUint16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }

// AppendUint32 appends a big-endian uint32 to dst.
func AppendUint32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }

// AppendUint64 appends a big-endian uint64 to dst.
func AppendUint64(dst []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(dst, v) }

// AppendLengthPrefixed appends a u32-length-prefixed byte string to dst.
func AppendLengthPrefixed(dst []byte, value []byte) []byte {
	dst = AppendUint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// GetLengthPrefixed reads a u32-length-prefixed byte string from the front
// of src. The returned slice aliases src. Returns bytes consumed.
func GetLengthPrefixed(src []byte) (value []byte, consumed int, err error) {
	if len(src) < 4 {
		return nil, 0, ErrUnexpectedEOF
	}
	n := int(Uint32(src))
	if 4+n > len(src) {
		return nil, 0, ErrLengthExceeded
	}
	return src[4 : 4+n], 4 + n, nil
}

// Reader provides sequential big-endian reads over a byte slice, tracking
// position so callers can compose several reads without manual offsets.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Rest returns the unread tail of the underlying slice.
func (r *Reader) Rest() []byte { return r.data[r.pos:] }

// Pos returns the current read offset.
func (r *Reader) Pos() int { return r.pos }

// Uint8 reads one byte, typically the tag byte of a tagged sum.
func (r *Reader) Uint8() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrUnexpectedEOF
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	v := Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrUnexpectedEOF
	}
	v := Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// LengthPrefixed reads a u32-length-prefixed byte string.
func (r *Reader) LengthPrefixed() ([]byte, error) {
	v, n, err := GetLengthPrefixed(r.data[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos += n
	return v, nil
}

// Tag bytes for the MaybeInlineValue sum type.
const (
	TagInline   byte = 0x00
	TagIndirect byte = 0x01
)

// AppendInlineValue appends an inline MaybeInlineValue: tag(0x00) || len:u32 || bytes.
func AppendInlineValue(dst []byte, value []byte) []byte {
	dst = append(dst, TagInline)
	return AppendLengthPrefixed(dst, value)
}

// AppendIndirectValue appends an indirect MaybeInlineValue:
// tag(0x01) || offset:u64 || segment_id:u64 || size:u32.
func AppendIndirectValue(dst []byte, offset, segmentID uint64, size uint32) []byte {
	dst = append(dst, TagIndirect)
	dst = AppendUint64(dst, offset)
	dst = AppendUint64(dst, segmentID)
	dst = AppendUint32(dst, size)
	return dst
}

// IndirectValue is the decoded body of an indirect MaybeInlineValue: a
// pointer into a value-log segment rather than an inline payload.
type IndirectValue struct {
	Offset    uint64
	SegmentID uint64
	Size      uint32
}

// MaybeInlineValue is the decoded result of DecodeMaybeInlineValue: exactly
// one of Inline or Indirect is populated, selected by the source tag byte.
type MaybeInlineValue struct {
	Inline   []byte
	Indirect *IndirectValue
}

// DecodeMaybeInlineValue decodes a tagged MaybeInlineValue from the front of
// src, returning the decoded value and the number of bytes consumed.
func DecodeMaybeInlineValue(src []byte) (MaybeInlineValue, int, error) {
	r := NewReader(src)
	tag, err := r.Uint8()
	if err != nil {
		return MaybeInlineValue{}, 0, err
	}
	switch tag {
	case TagInline:
		v, err := r.LengthPrefixed()
		if err != nil {
			return MaybeInlineValue{}, 0, err
		}
		return MaybeInlineValue{Inline: v}, r.Pos(), nil
	case TagIndirect:
		offset, err := r.Uint64()
		if err != nil {
			return MaybeInlineValue{}, 0, err
		}
		segmentID, err := r.Uint64()
		if err != nil {
			return MaybeInlineValue{}, 0, err
		}
		size, err := r.Uint32()
		if err != nil {
			return MaybeInlineValue{}, 0, err
		}
		return MaybeInlineValue{Indirect: &IndirectValue{Offset: offset, SegmentID: segmentID, Size: size}}, r.Pos(), nil
	default:
		return MaybeInlineValue{}, 0, ErrInvalidTag
	}
}
