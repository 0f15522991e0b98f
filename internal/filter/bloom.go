// Package filter implements a classic bit-array Bloom filter sized from a
// target false-positive rate, using a single 64-bit base hash per key and
// deriving successive probe positions by bit rotation rather than
// re-hashing or cache-line localization.
package filter

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/mbrt/lsmtree/internal/checksum"
	"github.com/mbrt/lsmtree/internal/encoding"
)

// magic identifies a segment's on-disk bloom filter file.
var magic = [4]byte{'B', 'L', 'O', 'M'}

// rotateBits is the amount each successive probe index is rotated by,
// relative to the previous one, when deriving probes from the base hash.
const rotateBits = 11

// Builder accumulates keys and produces a finished Filter sized for a
// target false-positive rate.
type Builder struct {
	fpRate float64
	hashes []uint64
}

// NewBuilder creates a Builder targeting the given false-positive rate
// (0, 1). Rates outside that range are clamped to sane defaults.
func NewBuilder(fpRate float64) *Builder {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &Builder{fpRate: fpRate, hashes: make([]uint64, 0, 256)}
}

// AddKey adds a key to the filter being built.
func (b *Builder) AddKey(key []byte) {
	b.AddHash(checksum.Hash64(key))
}

// AddHash adds an already-computed base hash, for callers that hash keys
// once and reuse the value.
func (b *Builder) AddHash(h uint64) {
	b.hashes = append(b.hashes, h)
}

// NumKeys returns the number of keys added so far.
func (b *Builder) NumKeys() int { return len(b.hashes) }

// Reset clears the builder for reuse.
func (b *Builder) Reset() { b.hashes = b.hashes[:0] }

// bitsAndProbes computes m (number of bits, rounded up to a byte boundary)
// and k (number of probes) for n keys at the builder's target false
// positive rate, per the classic Bloom filter formulas:
//
//	m = ceil(-(n * ln(fp)) / (ln 2)^2)
//	k = max(1, round((m/n) * ln 2))
func bitsAndProbes(n int, fpRate float64) (m int, k int) {
	if n == 0 {
		return 0, 0
	}
	ln2 := math.Ln2
	mBits := math.Ceil(-(float64(n) * math.Log(fpRate)) / (ln2 * ln2))
	m = int(mBits)
	// Round up to a whole byte.
	if rem := m % 8; rem != 0 {
		m += 8 - rem
	}
	if m < 8 {
		m = 8
	}
	k = int(math.Round((float64(m) / float64(n)) * ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}

// Finish builds the filter and returns the finished Filter. An empty
// builder produces a Filter that reports every key as absent.
func (b *Builder) Finish() *Filter {
	n := len(b.hashes)
	if n == 0 {
		return &Filter{}
	}

	numBits, numProbes := bitsAndProbes(n, b.fpRate)
	data := make([]byte, numBits/8)

	f := &Filter{data: data, numBits: uint64(numBits), numProbes: numProbes}
	for _, h := range b.hashes {
		f.addHash(h)
	}
	return f
}

// Filter is a read-only Bloom filter over a fixed bit array.
type Filter struct {
	data      []byte
	numBits   uint64
	numProbes int
}

// NewFilter reconstructs a Filter from its on-disk representation: raw
// packed bits plus the probe count the builder chose.
func NewFilter(data []byte, numProbes int) *Filter {
	return &Filter{data: data, numBits: uint64(len(data)) * 8, numProbes: numProbes}
}

// Bytes returns the raw bit array, for on-disk persistence.
func (f *Filter) Bytes() []byte { return f.data }

// NumProbes returns the number of hash probes per key.
func (f *Filter) NumProbes() int { return f.numProbes }

func (f *Filter) probe(base uint64, i int) uint64 {
	rotated := bits.RotateLeft64(base, rotateBits*i)
	return rotated % f.numBits
}

func (f *Filter) addHash(h uint64) {
	for i := 0; i < f.numProbes; i++ {
		bit := f.probe(h, i)
		f.data[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be present. A false return is a
// definite negative; a true return may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	return f.MayContainHash(checksum.Hash64(key))
}

// MayContainHash is MayContain for an already-computed base hash.
func (f *Filter) MayContainHash(h uint64) bool {
	if f == nil || f.numBits == 0 || f.numProbes == 0 {
		return false
	}
	for i := 0; i < f.numProbes; i++ {
		bit := f.probe(h, i)
		if f.data[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as: magic[4] || num_probes:u32 ||
// num_bits:u64 || packed_bits. Used to write a segment's bloom file.
func (f *Filter) Encode() []byte {
	out := make([]byte, 0, 4+4+8+len(f.data))
	out = append(out, magic[:]...)
	out = encoding.AppendUint32(out, uint32(f.numProbes))
	out = encoding.AppendUint64(out, f.numBits)
	out = append(out, f.data...)
	return out
}

// Decode parses a filter previously written by Encode.
func Decode(raw []byte) (*Filter, error) {
	r := encoding.NewReader(raw)
	hdr, err := r.Bytes(4)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", encoding.ErrUnexpectedEOF)
	}
	if [4]byte(hdr) != magic {
		return nil, fmt.Errorf("filter: %w", encoding.ErrInvalidMagic)
	}
	numProbes, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("filter: %w", encoding.ErrUnexpectedEOF)
	}
	numBits, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("filter: %w", encoding.ErrUnexpectedEOF)
	}
	data, err := r.Bytes(int((numBits + 7) / 8))
	if err != nil {
		return nil, fmt.Errorf("filter: %w", encoding.ErrUnexpectedEOF)
	}
	return &Filter{data: data, numBits: numBits, numProbes: int(numProbes)}, nil
}
