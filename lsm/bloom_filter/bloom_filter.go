package bloom_filter

import (
	"encoding/binary"
	"math"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	"cairndb/common"
)

const bloomSeed = 0x9747b28c

// BloomFilter is a double-hashed bloom filter guarding negative lookups on
// skip lists and SSTables. A positive MayContain can false-positive; a
// negative answer is exact.
//
// Probe i sets/tests bit (h1 + i*h2) mod m, with h1 and h2 derived from two
// farm hashes of the key.
type BloomFilter struct {
	bitsPerKey   uint64
	numHashFuncs uint64
	bits         []byte
}

// optimalBitsPerKey derives the per-key bit budget from the target false
// positive rate.
func optimalBitsPerKey(falsePositiveRate float64) uint64 {
	return uint64(-math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
}

// optimalNumHashFuncs derives the probe count k = bits_per_key * ln 2.
func optimalNumHashFuncs(bitsPerKey uint64) uint64 {
	k := uint64(float64(bitsPerKey) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return k
}

// NewBloomFilter sizes a filter for the expected number of items at the
// given false positive rate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	bitsPerKey := optimalBitsPerKey(falsePositiveRate)
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	numBits := uint64(expectedItems) * bitsPerKey
	if numBits < 64 {
		numBits = 64
	}
	return &BloomFilter{
		bitsPerKey:   bitsPerKey,
		numHashFuncs: optimalNumHashFuncs(bitsPerKey),
		bits:         make([]byte, (numBits+7)/8),
	}
}

func (bf *BloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := farm.Hash64(key)
	h2 := farm.Hash64WithSeed(key, bloomSeed) | 1 // h2 must be odd, never zero
	return h1, h2
}

// Add sets the k probe bits for key.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashes(key)
	numBits := uint64(len(bf.bits)) * 8
	for i := uint64(0); i < bf.numHashFuncs; i++ {
		bitPos := (h1 + i*h2) % numBits
		bf.bits[bitPos/8] |= 1 << (bitPos % 8)
	}
}

// MayContain tests the k probe bits for key.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.hashes(key)
	numBits := uint64(len(bf.bits)) * 8
	for i := uint64(0); i < bf.numHashFuncs; i++ {
		bitPos := (h1 + i*h2) % numBits
		if bf.bits[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
	}
	return true
}

// Size returns the encoded footprint in bytes.
func (bf *BloomFilter) Size() int {
	return 3*8 + len(bf.bits)
}

// Encode serializes the filter:
// bits_per_key u64 | num_hash_functions u64 | num_bytes u64 | bit bytes
func (bf *BloomFilter) Encode() []byte {
	data := make([]byte, bf.Size())
	binary.LittleEndian.PutUint64(data[0:], bf.bitsPerKey)
	binary.LittleEndian.PutUint64(data[8:], bf.numHashFuncs)
	binary.LittleEndian.PutUint64(data[16:], uint64(len(bf.bits)))
	copy(data[24:], bf.bits)
	return data
}

// Decode reconstructs a filter from its encoded form.
func Decode(data []byte) (*BloomFilter, error) {
	if len(data) < 24 {
		return nil, errors.Wrap(common.ErrInternal, "bloom filter data too short")
	}
	numBytes := binary.LittleEndian.Uint64(data[16:])
	if uint64(len(data)) < 24+numBytes {
		return nil, errors.Wrap(common.ErrInternal, "bloom filter bit array truncated")
	}
	bits := make([]byte, numBytes)
	copy(bits, data[24:24+numBytes])
	return &BloomFilter{
		bitsPerKey:   binary.LittleEndian.Uint64(data[0:]),
		numHashFuncs: binary.LittleEndian.Uint64(data[8:]),
		bits:         bits,
	}, nil
}
