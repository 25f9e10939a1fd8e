// Package speedlayer implements the broker's Speed-Layer Dispatcher: a
// three-tier, short-circuiting decision pipeline that approves or blocks a
// tool invocation with a strict end-to-end latency budget. See spec.md
// §4.4.
package speedlayer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// Escalator is the minimal surface tier 3 needs: post a validation task to
// the Expert Registry and await its reply. pkg/experts' Registry
// implements this.
type Escalator interface {
	Escalate(ctx context.Context, toolName string, toolInput map[string]any, requesterAgentID string) (approved bool, reason string, err error)
}

// EventSink records the dispatcher's per-request state transitions.
type EventSink interface {
	Append(kind, aggregateID string, payload []byte, appendingAgentID string) (id string, sequence uint64, err error)
}

// FallbackPolicy governs what happens when tier 3 times out or errors.
type FallbackPolicy string

const (
	FallbackSafeAllowElseBlock FallbackPolicy = "safe_allow_else_block"
	FallbackAlwaysBlock        FallbackPolicy = "always_block"
)

// Dispatcher is the broker's single Speed-Layer Dispatcher instance.
type Dispatcher struct {
	memory   *memoryTier
	policy   *policyEngine
	escalate Escalator

	memBreaker    *gobreaker.CircuitBreaker[Decision]
	policyBreaker *gobreaker.CircuitBreaker[Decision]
	expertBreaker *gobreaker.CircuitBreaker[Decision]

	limiter  *agentLimiter
	budgets  LatencyBudgets
	fallback FallbackPolicy

	sink EventSink

	metrics *metrics
}

// Config configures a new Dispatcher.
type Config struct {
	CacheCapacity  int
	CacheTTL       time.Duration
	RateLimitPerS  float64
	RateLimitBurst int
	Budgets        LatencyBudgets
	Fallback       FallbackPolicy
}

func DefaultConfig() Config {
	return Config{
		CacheCapacity:  10000,
		CacheTTL:       5 * time.Minute,
		RateLimitPerS:  10,
		RateLimitBurst: 30,
		Budgets:        DefaultLatencyBudgets(),
		Fallback:       FallbackSafeAllowElseBlock,
	}
}

// New constructs a Dispatcher. escalate and sink may be nil in tests that
// only exercise tiers 1-2.
func New(cfg Config, escalate Escalator, sink EventSink) *Dispatcher {
	d := &Dispatcher{
		memory:        newMemoryTier(cfg.CacheCapacity, cfg.CacheTTL),
		policy:        newPolicyEngine(),
		escalate:      escalate,
		memBreaker:    newTierBreaker("speedlayer.memory"),
		policyBreaker: newTierBreaker("speedlayer.policy"),
		expertBreaker: newTierBreaker("speedlayer.expert"),
		limiter:       newAgentLimiter(cfg.RateLimitPerS, cfg.RateLimitBurst),
		budgets:       cfg.Budgets,
		fallback:      cfg.Fallback,
		sink:          sink,
		metrics:       newMetrics(),
	}
	_ = d.policy.LoadRules(DefaultDenylistSafelist())
	return d
}

// LoadPolicyFile reloads tier 2's rule set from path, atomically.
func (d *Dispatcher) LoadPolicyFile(path string) error {
	return d.policy.LoadFile(path)
}

// Collectors returns the dispatcher's prometheus instruments.
func (d *Dispatcher) Collectors() []prometheus.Collector {
	return d.metrics.Collectors()
}

// BreakerStates reports each tier's current circuit-breaker state, keyed by
// tier name, for operational reporting (e.g. health()'s per-tier summary).
func (d *Dispatcher) BreakerStates() map[string]string {
	return map[string]string{
		"memory": d.memBreaker.State().String(),
		"policy": d.policyBreaker.State().String(),
		"expert": d.expertBreaker.State().String(),
	}
}

// Decide runs req through the three tiers in order, short-circuiting on
// the first conclusive result, and returns the final Decision.
func (d *Dispatcher) Decide(ctx context.Context, req Request) (Decision, error) {
	if !d.limiter.allow(req.AgentID) {
		return Decision{}, lherr.RateLimited(time.Second, "agent %q exceeded validation rate limit", req.AgentID)
	}

	defer func() {
		for tier, cb := range map[string]*gobreaker.CircuitBreaker[Decision]{"memory": d.memBreaker, "policy": d.policyBreaker, "expert": d.expertBreaker} {
			open := 0.0
			if cb.State() == gobreaker.StateOpen {
				open = 1
			}
			d.metrics.breakerOpen.WithLabelValues(tier).Set(open)
		}
	}()

	start := time.Now()
	key := mustFingerprint(req)

	ctx, cancel := context.WithTimeout(ctx, d.budgets.EndToEnd)
	defer cancel()

	d.emitReceived(req, key)

	if dec, ok := d.tryMemory(req); ok {
		d.emitOutcome(req, key, dec, start)
		return dec, nil
	}

	if dec, ok := d.tryPolicy(req); ok {
		d.memory.store(key, dec)
		d.emitOutcome(req, key, dec, start)
		return dec, nil
	}

	d.emitEscalated(req, key)
	dec, err := d.tryEscalate(ctx, req)
	if err != nil {
		dec = d.fallbackDecision(req)
	} else {
		d.memory.store(key, dec)
	}
	d.emitOutcome(req, key, dec, start)
	return dec, nil
}

func (d *Dispatcher) tryMemory(req Request) (Decision, bool) {
	start := time.Now()
	defer func() { d.metrics.latency.WithLabelValues("memory").Observe(time.Since(start).Seconds()) }()
	d.metrics.requestsTotal.WithLabelValues("memory").Inc()

	key, err := fingerprint(req.ToolName, req.ToolInput)
	if err != nil {
		return Decision{}, false
	}
	dec, err := d.memBreaker.Execute(func() (Decision, error) {
		if v, ok := d.memory.lookup(key); ok {
			return v, nil
		}
		return Decision{}, errMiss
	})
	if err != nil {
		return Decision{}, false
	}
	dec.Tier = TierCachedHit
	d.metrics.hitsTotal.WithLabelValues("memory").Inc()
	return dec, true
}

func (d *Dispatcher) tryPolicy(req Request) (Decision, bool) {
	start := time.Now()
	defer func() { d.metrics.latency.WithLabelValues("policy").Observe(time.Since(start).Seconds()) }()
	d.metrics.requestsTotal.WithLabelValues("policy").Inc()

	dec, err := d.policyBreaker.Execute(func() (Decision, error) {
		if v, ok := d.policy.evaluate(req); ok {
			return v, nil
		}
		return Decision{}, errMiss
	})
	if err != nil {
		return Decision{}, false
	}
	d.metrics.hitsTotal.WithLabelValues("policy").Inc()
	return dec, true
}

func (d *Dispatcher) tryEscalate(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	defer func() { d.metrics.latency.WithLabelValues("expert").Observe(time.Since(start).Seconds()) }()
	d.metrics.requestsTotal.WithLabelValues("expert").Inc()

	if d.escalate == nil {
		return Decision{}, lherr.New(lherr.KindTransient, "no expert escalator configured")
	}

	ctx, cancel := context.WithTimeout(ctx, d.budgets.Expert)
	defer cancel()

	dec, err := d.expertBreaker.Execute(func() (Decision, error) {
		approved, reason, err := d.escalate.Escalate(ctx, req.ToolName, req.ToolInput, req.AgentID)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Approved: approved, Tier: TierEscalated, Reason: reason}, nil
	})
	if err != nil {
		return Decision{}, err
	}
	d.metrics.hitsTotal.WithLabelValues("expert").Inc()
	return dec, nil
}

// fallbackDecision implements spec.md §4.4's fallback table: safe
// (safelisted, read-only) tools approve with tier=FALLBACK; everything
// else blocks with "expert unavailable". Fallback decisions are logged but
// never cached.
func (d *Dispatcher) fallbackDecision(req Request) Decision {
	if d.fallback == FallbackSafeAllowElseBlock {
		if dec, ok := d.policy.evaluate(req); ok && dec.Approved {
			return Decision{Approved: true, Tier: TierFallback, Reason: "safelisted tool, expert unavailable"}
		}
	}
	slog.Warn("speedlayer: expert escalation unavailable, blocking", "tool", req.ToolName, "agent_id", req.AgentID)
	return Decision{Approved: false, Tier: TierFallback, Reason: "expert unavailable"}
}

// commandEventPayload is the wire shape for COMMAND_* events: enough to
// reconstruct the tier decision from the log alone, per spec.md §9's
// event-sourced-state requirement.
type commandEventPayload struct {
	ToolName    string `json:"tool_name"`
	Fingerprint string `json:"fingerprint"`
	AgentID     string `json:"agent_id"`
	Decision    string `json:"decision,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Reason      string `json:"reason,omitempty"`
	LatencyMS   int64  `json:"latency_ms,omitempty"`
}

func (d *Dispatcher) emitReceived(req Request, fingerprint string) {
	d.append("COMMAND_RECEIVED", req, commandEventPayload{
		ToolName:    req.ToolName,
		Fingerprint: fingerprint,
		AgentID:     req.AgentID,
	})
}

func (d *Dispatcher) emitEscalated(req Request, fingerprint string) {
	d.append("COMMAND_ESCALATED", req, commandEventPayload{
		ToolName:    req.ToolName,
		Fingerprint: fingerprint,
		AgentID:     req.AgentID,
	})
}

// emitOutcome appends the decision event: COMMAND_APPROVED or
// COMMAND_BLOCKED, carrying the fingerprint that ties it back to the
// matching COMMAND_RECEIVED (spec.md §8 scenario 1) and, for the blocked
// case, letting a reader query "all blocked commands" directly by kind
// (scenario 2) without needing to inspect payloads.
func (d *Dispatcher) emitOutcome(req Request, fingerprint string, dec Decision, start time.Time) {
	kind := "COMMAND_BLOCKED"
	if dec.Approved {
		kind = "COMMAND_APPROVED"
	}
	d.append(kind, req, commandEventPayload{
		ToolName:    req.ToolName,
		Fingerprint: fingerprint,
		AgentID:     req.AgentID,
		Decision:    kind,
		Tier:        string(dec.Tier),
		Reason:      dec.Reason,
		LatencyMS:   time.Since(start).Milliseconds(),
	})
}

func (d *Dispatcher) append(kind string, req Request, payload commandEventPayload) {
	if d.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("speedlayer: failed to marshal dispatch event payload", "kind", kind, "error", err)
		return
	}
	if _, _, err := d.sink.Append(kind, req.ToolName, data, req.AgentID); err != nil {
		slog.Warn("speedlayer: failed to append dispatch event", "kind", kind, "error", err)
	}
}

func mustFingerprint(req Request) string {
	key, _ := fingerprint(req.ToolName, req.ToolInput)
	return key
}

var errMiss = lherr.New(lherr.KindNotFound, "tier miss")
