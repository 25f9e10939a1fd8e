package elicitation

import (
	"sync"
	"time"
)

// nonceCache rejects a nonce it has already seen within window. Entries
// expire after window so the set doesn't grow unboundedly; since nonces
// are only ever generated by this package (one per elicitation, never
// attacker-chosen), a window covering the longest allowed elicitation
// deadline (300s, spec.md §5) is sufficient to catch any genuine replay.
type nonceCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), window: window}
}

// claim records nonce as used and reports whether it was already present
// (a replay).
func (c *nonceCache) claim(nonce string, now time.Time) (replay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.seen[nonce]; ok && now.Before(exp) {
		return true
	}
	c.seen[nonce] = now.Add(c.window)
	return false
}

// sweep evicts expired entries. Called periodically by the manager's
// command loop alongside deadline expiry.
func (c *nonceCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, n)
		}
	}
}
