package speedlayer

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter is a single-writer, concurrent-reader Bloom filter fronting
// the memory cache: a fingerprint absent from the filter is guaranteed
// never to have been cached, letting a miss be rejected in O(k) without a
// map lookup. False positives fall through to the real cache lookup, which
// is always authoritative.
type bloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
}

// newBloomFilter sizes the filter for n expected entries at the given
// false-positive rate p, using the standard m = -n*ln(p)/(ln2)^2 and
// k = (m/n)*ln2 formulas.
func newBloomFilter(n int, p float64) *bloomFilter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	words := (m + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), m: words * 64, k: k}
}

// hashes implements Kirsch–Mitzenmacher double hashing: k derived indices
// from two independent xxhash seeds instead of k independent hash
// functions.
func (b *bloomFilter) hashes(key string) []uint64 {
	h1 := xxhash.Sum64String(key)
	h2 := xxhash.Sum64String(key + "\x00salt")
	idx := make([]uint64, b.k)
	for i := uint64(0); i < b.k; i++ {
		idx[i] = (h1 + i*h2) % b.m
	}
	return idx
}

func (b *bloomFilter) add(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range b.hashes(key) {
		b.bits[i/64] |= 1 << (i % 64)
	}
}

// mightContain returns false only when key is definitely absent.
func (b *bloomFilter) mightContain(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, i := range b.hashes(key) {
		if b.bits[i/64]&(1<<(i%64)) == 0 {
			return false
		}
	}
	return true
}
