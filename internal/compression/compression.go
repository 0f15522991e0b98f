// Package compression compresses and decompresses block payloads. Each
// block carries its compression type in its header; exactly three choices
// exist, matching the on-disk enum.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a block's compression algorithm.
type Type uint8

const (
	// None means the block payload is stored uncompressed.
	None Type = 0x0

	// Lz4 compresses the block with LZ4's raw block format.
	Lz4 Type = 0x1

	// Zstd compresses the block with Zstandard.
	Zstd Type = 0x2
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Lz4:
		return "Lz4"
	case Zstd:
		return "Zstd"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Lz4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// compressLZ4 compresses data using LZ4's raw block format (not the LZ4
// frame format, which carries its own magic bytes and headers we don't want
// duplicating the block header's own framing).
func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, dst, ht[:])
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 compress block: %w", err)
	}
	if n == 0 {
		// Incompressible input; lz4 signals this by returning 0.
		return append([]byte{}, data...), nil
	}
	return dst[:n], nil
}

// compressZstd compresses data using Zstandard at the default level.
func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses data given its compression type and the
// uncompressed size (required for LZ4's raw block format; ignored by the
// others). Callers without the size on hand retry LZ4 with a growing
// buffer; see internal/block.
func Decompress(t Type, data []byte, uncompressedSize int) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Lz4:
		return decompressLZ4(data, uncompressedSize)
	case Zstd:
		return decompressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// decompressLZ4 decompresses LZ4 raw block data into a buffer of the given
// size; LZ4's raw block format cannot be decoded without one.
func decompressLZ4(data []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 uncompress block: %w", err)
	}
	return dst[:n], nil
}

// decompressZstd decompresses Zstandard data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compression: zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
