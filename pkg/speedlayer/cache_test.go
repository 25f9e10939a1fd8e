package speedlayer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryTierMissesUnknownKeyViaBloomFilter(t *testing.T) {
	tier := newMemoryTier(100, time.Minute)
	_, ok := tier.lookup("never-stored")
	assert.False(t, ok)
}

func TestMemoryTierStoreThenLookupRoundTrips(t *testing.T) {
	tier := newMemoryTier(100, time.Minute)
	dec := Decision{Approved: true, Tier: TierPolicyHit, Reason: "ok"}
	tier.store("k1", dec)

	got, ok := tier.lookup("k1")
	assert.True(t, ok)
	assert.Equal(t, dec, got)
}

func TestBloomFilterNeverFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)
	for i := 0; i < 500; i++ {
		bf.add(string(rune('a' + i%26)))
	}
	for i := 0; i < 500; i++ {
		assert.True(t, bf.mightContain(string(rune('a'+i%26))))
	}
}
