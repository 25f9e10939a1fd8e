package speedlayer

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryTier is tier 1: a Bloom-fronted, TTL'd cache of prior decisions
// keyed by fingerprint. capacity sizes only the Bloom filter: entries leave
// the cache by TTL expiry alone, with no entry-count limit and no LRU
// eviction.
type memoryTier struct {
	bloom *bloomFilter
	cache *gocache.Cache
	ttl   time.Duration
}

func newMemoryTier(capacity int, ttl time.Duration) *memoryTier {
	return &memoryTier{
		bloom: newBloomFilter(capacity, 0.01),
		cache: gocache.New(ttl, ttl*2),
		ttl:   ttl,
	}
}

// lookup returns a cached decision if present. It consults the Bloom
// filter first; a negative there short-circuits without touching the
// underlying map, per spec.md §4.4's "O(1) without a map lookup" intent.
func (t *memoryTier) lookup(key string) (Decision, bool) {
	if !t.bloom.mightContain(key) {
		return Decision{}, false
	}
	v, ok := t.cache.Get(key)
	if !ok {
		return Decision{}, false
	}
	return v.(Decision), true
}

func (t *memoryTier) store(key string, d Decision) {
	t.bloom.add(key)
	t.cache.Set(key, d, t.ttl)
}
