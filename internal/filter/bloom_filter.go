package filter

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFalsePositiveRate is the target false positive rate of table filters.
const DefaultFalsePositiveRate = 0.01

// BloomFilter wraps a bits-and-blooms filter sized for a known key count.
type BloomFilter struct {
	bf *bloom.BloomFilter
}

var _ Filter = (*BloomFilter)(nil)

// OptimalBloomFilterParams returns the number of hash functions k and the
// number of bits m for n keys at false positive rate p.
func OptimalBloomFilterParams(n uint64, p float64) (k uint32, m uint64) {
	bits, hashes := bloom.EstimateParameters(uint(n), p)
	return uint32(hashes), uint64(bits)
}

// NewBloomFilter creates a filter for n keys at false positive rate p.
// n is clamped to at least 1.
func NewBloomFilter(n uint64, p float64) *BloomFilter {
	if n == 0 {
		n = 1
	}
	return &BloomFilter{bf: bloom.NewWithEstimates(uint(n), p)}
}

// Add inserts a key into the bloom filter.
func (f *BloomFilter) Add(key []byte) {
	f.bf.Add(key)
}

// MayContain returns true if the key might be in the set.
func (f *BloomFilter) MayContain(key []byte) bool {
	return f.bf.Test(key)
}

// K returns the number of hash functions.
func (f *BloomFilter) K() uint32 {
	return uint32(f.bf.K())
}

// M returns the number of bits.
func (f *BloomFilter) M() uint64 {
	return uint64(f.bf.Cap())
}
