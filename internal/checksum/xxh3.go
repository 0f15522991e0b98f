package checksum

import "github.com/zeebo/xxh3"

// Hash64 returns the 64-bit xxh3 hash of data, used as the bloom filter's
// single base hash (spec requires one 64-bit base hash per key, with probe
// indices derived from it; see internal/filter).
func Hash64(data []byte) uint64 {
	return xxh3.Hash(data)
}
