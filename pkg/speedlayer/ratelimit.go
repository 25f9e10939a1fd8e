package speedlayer

import (
	"sync"

	"golang.org/x/time/rate"
)

// agentLimiter is a per-agent token bucket, default 10 validations/s burst
// 30 per spec.md §5. Grounded on the mutex + per-key rate.Limiter shape of
// goa-ai's AdaptiveRateLimiter, simplified to a fixed (non-adaptive) budget
// since the speed layer's contract names a fixed default rather than an
// AIMD-adjusted one.
type agentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   float64
	burst    int
}

func newAgentLimiter(perSec float64, burst int) *agentLimiter {
	return &agentLimiter{limiters: make(map[string]*rate.Limiter), perSec: perSec, burst: burst}
}

func (a *agentLimiter) allow(agentID string) bool {
	a.mu.Lock()
	lim, ok := a.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(a.perSec), a.burst)
		a.limiters[agentID] = lim
	}
	a.mu.Unlock()
	return lim.Allow()
}
