// Package checksum computes the plain CRC32 (IEEE polynomial) used to guard
// every on-disk block payload, plus the 64-bit hash the bloom filter uses as
// its base hash.
package checksum

import "hash/crc32"

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Value computes the CRC32 (IEEE) checksum of data, over the uncompressed
// payload bytes. Block headers store this value big-endian and compare it
// by direct equality against the recomputed checksum on read; unlike
// RocksDB's crc32c::Mask, no masking or rotation is applied.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, ieeeTable)
}

// Extend computes the CRC32 of concat(A, data) where initCRC is the CRC32 of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, ieeeTable, data)
}
