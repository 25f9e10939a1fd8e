package elicitation

import (
	"sync"

	"golang.org/x/time/rate"
)

// Quotas bounds how many elicitations an agent may create, per spec.md
// §4.6: default 100/min create, 20 outstanding.
type Quotas struct {
	CreatesPerMinute float64
	CreateBurst      int
	MaxOutstanding   int
	MaxPayloadBytes  int
}

func DefaultQuotas() Quotas {
	return Quotas{
		CreatesPerMinute: 100,
		CreateBurst:      20,
		MaxOutstanding:   20,
		MaxPayloadBytes:  1 << 20,
	}
}

// quotaTracker is the per-agent rate limiter plus outstanding-elicitation
// counter backing Quotas. Grounded on pkg/speedlayer's agentLimiter shape
// (mutex + per-key rate.Limiter map), generalized with an outstanding
// counter since elicitations (unlike dispatch decisions) have a "still
// open" concept the speed layer's rate limiter doesn't need.
type quotaTracker struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	outstanding map[string]int
	quotas      Quotas
}

func newQuotaTracker(q Quotas) *quotaTracker {
	return &quotaTracker{
		limiters:    make(map[string]*rate.Limiter),
		outstanding: make(map[string]int),
		quotas:      q,
	}
}

func (t *quotaTracker) limiterFor(agentID string) *rate.Limiter {
	lim, ok := t.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(t.quotas.CreatesPerMinute/60), t.quotas.CreateBurst)
		t.limiters[agentID] = lim
	}
	return lim
}

// allowCreate reports whether agentID may create another elicitation right
// now, and if so reserves an outstanding slot.
func (t *quotaTracker) allowCreate(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding[agentID] >= t.quotas.MaxOutstanding {
		return false
	}
	if !t.limiterFor(agentID).Allow() {
		return false
	}
	t.outstanding[agentID]++
	return true
}

// release frees an outstanding slot when an elicitation reaches a terminal
// state (RESPONDED, EXPIRED, CANCELLED). A rejected response leaves the
// elicitation open, so it does not release the slot.
func (t *quotaTracker) release(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding[agentID] > 0 {
		t.outstanding[agentID]--
	}
}

// reserve restores an outstanding slot for agentID without consulting the
// rate limiter, used by Manager.Rebuild to account for elicitations still
// PENDING/DELIVERED after replaying the log.
func (t *quotaTracker) reserve(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[agentID]++
}
