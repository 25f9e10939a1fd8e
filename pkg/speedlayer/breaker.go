package speedlayer

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// newTierBreaker wraps a dispatch tier so a sustained error rate opens the
// breaker and the dispatcher falls through to the next tier instead of
// retrying a failing one. Trip threshold matches gobreaker's own
// recommended shape: trip after at least 5 requests with a failure ratio
// of at least 60%, half-open after 10s to probe recovery.
func newTierBreaker(name string) *gobreaker.CircuitBreaker[Decision] {
	return gobreaker.NewCircuitBreaker[Decision](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A tier "miss" (inconclusive, fall through to the next tier) is an
			// expected outcome, not a failure — only a real error should count
			// toward tripping this tier's breaker.
			return err == nil || errors.Is(err, errMiss)
		},
	})
}
