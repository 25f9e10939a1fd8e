package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// idGenerator produces monotonic lexicographically-sortable ids of the form
// "{monotonic_ns}_{seq}_{node}". It refuses to emit on an observed clock
// regression rather than risk a duplicate or backwards id.
type idGenerator struct {
	mu         sync.Mutex
	nowFunc    func() time.Time
	lastNanos  int64
	perNanoSeq uint32
	node       string
}

func newIDGenerator(node string, lastNanos int64) *idGenerator {
	return &idGenerator{
		nowFunc:   time.Now,
		lastNanos: lastNanos,
		node:      node,
	}
}

// next returns the next id and the monotonic_ns it was stamped with (the
// latter is what the log persists as its high-water mark after a segment
// roll).
func (g *idGenerator) next() (string, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nanos := g.nowFunc().UnixNano()
	switch {
	case nanos > g.lastNanos:
		g.lastNanos = nanos
		g.perNanoSeq = 0
	case nanos == g.lastNanos:
		g.perNanoSeq++
	default:
		return "", 0, lherr.New(lherr.KindClockFault, "clock regression detected: observed %d ns, last %d ns", nanos, g.lastNanos)
	}

	id := fmt.Sprintf("%020d_%010d_%s", g.lastNanos, g.perNanoSeq, g.node)
	return id, g.lastNanos, nil
}

// observe folds an externally-known high-water mark (e.g. restored from the
// index on recovery) into the generator so that restarts cannot emit a
// backwards id.
func (g *idGenerator) observe(nanos int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nanos > g.lastNanos {
		g.lastNanos = nanos
		g.perNanoSeq = 0
	}
}
