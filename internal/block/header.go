// Package block implements the on-disk block format: a fixed header
// (compression, CRC, length, backward link) wrapping a compressed,
// checksummed payload, plus the two block kinds built on top of it: value
// blocks (sorted entries with prefix compression) and index blocks (sorted
// handles pointing at child blocks).
package block

import (
	"fmt"
	"io"

	"github.com/mbrt/lsmtree/internal/checksum"
	"github.com/mbrt/lsmtree/internal/compression"
	"github.com/mbrt/lsmtree/internal/encoding"
)

// HeaderSize is the fixed on-disk size of a block header in bytes:
// compression(1) + crc(4) + data_length(4) + previous_block_offset(8).
const HeaderSize = 1 + 4 + 4 + 8

// Header is the fixed prefix of every on-disk block.
type Header struct {
	Compression         compression.Type
	CRC                 uint32
	DataLength          uint32
	PreviousBlockOffset uint64
}

// AppendHeader appends the serialized header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, byte(h.Compression))
	dst = encoding.AppendUint32(dst, h.CRC)
	dst = encoding.AppendUint32(dst, h.DataLength)
	dst = encoding.AppendUint64(dst, h.PreviousBlockOffset)
	return dst
}

// DecodeHeader decodes a header from the front of src.
// REQUIRES: len(src) >= HeaderSize.
func DecodeHeader(src []byte) Header {
	return Header{
		Compression:         compression.Type(src[0]),
		CRC:                 encoding.Uint32(src[1:5]),
		DataLength:          encoding.Uint32(src[5:9]),
		PreviousBlockOffset: encoding.Uint64(src[9:17]),
	}
}

// ToBytesCompressed serializes the raw (uncompressed) payload, computing
// its CRC32 before compression, compressing per typ, and prefixing the
// result with the wire header. previousBlockOffset links value blocks into
// a reverse-walkable chain within a segment.
func ToBytesCompressed(raw []byte, typ compression.Type, previousBlockOffset uint64) ([]byte, error) {
	crc := checksum.Value(raw)
	compressed, err := compression.Compress(typ, raw)
	if err != nil {
		return nil, fmt.Errorf("block: compress: %w", err)
	}
	if typ != compression.None && len(compressed) >= len(raw) {
		// Incompressible payload: store it raw. The header records the
		// per-block compression, so readers never consult the segment-wide
		// setting and a mixed segment decodes fine.
		typ = compression.None
		compressed = raw
	}

	out := make([]byte, 0, HeaderSize+len(compressed))
	out = AppendHeader(out, Header{
		Compression:         typ,
		CRC:                 crc,
		DataLength:          uint32(len(compressed)),
		PreviousBlockOffset: previousBlockOffset,
	})
	out = append(out, compressed...)
	return out, nil
}

// ReaderAt is the minimal random-access file interface block I/O needs.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// FromFileCompressed reads the block at offset, decompresses its payload,
// and verifies its checksum. A short read is reported as
// encoding.ErrUnexpectedEOF; a checksum mismatch as ErrChecksumMismatch.
func FromFileCompressed(f ReaderAt, offset int64) (raw []byte, header Header, err error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(sectionReader(f, offset, int64(HeaderSize)), hdrBuf); err != nil {
		return nil, Header{}, fmt.Errorf("block: read header at %d: %w", offset, encoding.ErrUnexpectedEOF)
	}
	h := DecodeHeader(hdrBuf)

	payload := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(sectionReader(f, offset+int64(HeaderSize), int64(h.DataLength)), payload); err != nil {
			return nil, Header{}, fmt.Errorf("block: read payload at %d: %w", offset, encoding.ErrUnexpectedEOF)
		}
	}

	decompressed, err := decompressWithKnownCRC(h, payload)
	if err != nil {
		return nil, Header{}, err
	}
	return decompressed, h, nil
}

func decompressWithKnownCRC(h Header, payload []byte) ([]byte, error) {
	// The header only carries the compressed length. Zstd frames embed the
	// uncompressed size themselves; Lz4's raw block format does not, so its
	// destination buffer is grown until the block fits.
	var raw []byte
	var err error
	switch h.Compression {
	case compression.None, compression.Zstd:
		raw, err = compression.Decompress(h.Compression, payload, 0)
	case compression.Lz4:
		raw, err = decompressLz4Growing(payload)
	default:
		return nil, fmt.Errorf("block: unknown compression type %d", h.Compression)
	}
	if err != nil {
		return nil, fmt.Errorf("block: decompress: %w", err)
	}
	if checksum.Value(raw) != h.CRC {
		return nil, fmt.Errorf("block: %w", ErrChecksumMismatch)
	}
	return raw, nil
}

// decompressLz4Growing decompresses an Lz4 raw block without a known
// uncompressed size, growing the destination buffer until it fits.
func decompressLz4Growing(payload []byte) ([]byte, error) {
	size := max(len(payload)*4, 256)
	for i := 0; i < 12; i++ {
		raw, err := compression.Decompress(compression.Lz4, payload, size)
		if err == nil {
			return raw, nil
		}
		size *= 2
	}
	return nil, fmt.Errorf("lz4 decompress: buffer too small after retries")
}

type sectionReaderAt struct {
	r   ReaderAt
	off int64
	n   int64
	pos int64
}

func sectionReader(r ReaderAt, off, n int64) io.Reader {
	return &sectionReaderAt{r: r, off: off, n: n}
}

func (s *sectionReaderAt) Read(p []byte) (int, error) {
	if s.pos >= s.n {
		return 0, io.EOF
	}
	if int64(len(p)) > s.n-s.pos {
		p = p[:s.n-s.pos]
	}
	n, err := s.r.ReadAt(p, s.off+s.pos)
	s.pos += int64(n)
	if err == nil && s.pos >= s.n {
		err = io.EOF
	}
	return n, err
}
