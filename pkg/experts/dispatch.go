package experts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// activeTask tracks a delegation awaiting complete(). Guarded by
// Registry.mu alongside the expert map since task assignment and
// expert.status changes must stay consistent with each other. This is
// convenience state for the hot path only — everything it holds is also
// carried on the EXPERT_DELEGATED event, so it is fully reconstructible by
// replaying the log (spec.md §9).
type activeTask struct {
	expertID      string
	requesterID   string
	correlationID string
}

// Delegate selects the best-matching AVAILABLE expert for requiredCaps,
// marks it BUSY, and emits EXPERT_DELEGATED. If no expert matches, the task
// is queued and retried against newly available experts until deadline; if
// the deadline passes first, the task fails and EXPERT_QUEUE_FAILED is
// emitted. Delegate does not wait for completion — callers poll Complete's
// effects or use Escalate for the blocking, result-returning variant.
func (r *Registry) Delegate(ctx context.Context, task string, requiredCaps []Capability, priority int, requesterAgentID string, deadline time.Duration) (taskID string, err error) {
	taskID = uuid.NewString()

	if agentID, ok := r.tryAssign(requiredCaps); ok {
		r.finishDelegate(taskID, agentID, requesterAgentID)
		return taskID, nil
	}

	resultCh := make(chan delegateOutcome, 1)
	r.queue.push(&queuedTask{
		taskID:       taskID,
		task:         task,
		capabilities: requiredCaps,
		priority:     priority,
		requesterID:  requesterAgentID,
		deadline:     time.Now().Add(deadline),
		resultCh:     resultCh,
	})
	r.emit("EXPERT_QUEUED", taskID, requesterAgentID, expertEventPayload{
		TaskID:       taskID,
		RequesterID:  requesterAgentID,
		Capabilities: requiredCaps,
	})

	select {
	case outcome := <-resultCh:
		if outcome.err != nil {
			return "", outcome.err
		}
		r.finishDelegate(taskID, outcome.agentID, requesterAgentID)
		return taskID, nil
	case <-ctx.Done():
		r.queue.remove(taskID)
		return "", lherr.Wrap(lherr.KindTimeout, ctx.Err(), "delegate %q cancelled", taskID)
	}
}

func (r *Registry) finishDelegate(taskID, agentID, requesterAgentID string) {
	correlationID := uuid.NewString()
	r.mu.Lock()
	if r.active == nil {
		r.active = make(map[string]activeTask)
	}
	r.active[taskID] = activeTask{expertID: agentID, requesterID: requesterAgentID, correlationID: correlationID}
	r.mu.Unlock()
	r.emit("EXPERT_DELEGATED", taskID, agentID, expertEventPayload{
		TaskID:        taskID,
		ExpertID:      agentID,
		RequesterID:   requesterAgentID,
		CorrelationID: correlationID,
	})
	r.metrics.delegatedTotal.Inc()
}

// tryAssign picks the AVAILABLE expert with the best capability match and
// lowest current load; ties are broken by least-recently-used (round
// robin). Returns ok=false if no AVAILABLE expert matches.
func (r *Registry) tryAssign(requiredCaps []Capability) (string, bool) {
	r.mu.RLock()
	candidates := make([]*expert, 0, len(r.experts))
	for _, e := range r.experts {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var best *expert
	var bestLoad int
	var bestLastUsed time.Time
	for _, e := range candidates {
		lock := r.lockFor(e.agentID)
		lock.Lock()
		eligible := e.status == StatusAvailable && e.matches(requiredCaps)
		load := e.currentLoad
		lastUsed := e.lastUsed
		lock.Unlock()
		if !eligible {
			continue
		}
		if best == nil || load < bestLoad || (load == bestLoad && lastUsed.Before(bestLastUsed)) {
			best, bestLoad, bestLastUsed = e, load, lastUsed
		}
	}
	if best == nil {
		return "", false
	}

	lock := r.lockFor(best.agentID)
	lock.Lock()
	best.status = StatusBusy
	best.currentLoad++
	best.lastUsed = time.Now()
	lock.Unlock()
	return best.agentID, true
}

// Complete restores an expert to AVAILABLE (or keeps it BUSY if it still
// carries other load) and emits EXPERT_COMPLETED. Only the assigned expert
// may complete its own task. If a caller is blocked in Escalate awaiting
// this task's result, it is woken with result.
func (r *Registry) Complete(taskID, agentID string, result []byte) error {
	r.mu.Lock()
	at, ok := r.active[taskID]
	if !ok {
		r.mu.Unlock()
		return lherr.New(lherr.KindNotFound, "task %q not found", taskID)
	}
	if at.expertID != agentID {
		r.mu.Unlock()
		return lherr.New(lherr.KindUnauthorized, "task %q is not assigned to %q", taskID, agentID)
	}
	delete(r.active, taskID)
	waiter := r.waiters[taskID]
	delete(r.waiters, taskID)
	r.mu.Unlock()

	lock := r.lockFor(agentID)
	lock.Lock()
	if e, ok := r.experts[agentID]; ok {
		if e.currentLoad > 0 {
			e.currentLoad--
		}
		if e.currentLoad == 0 {
			e.status = StatusAvailable
		}
	}
	lock.Unlock()

	if waiter != nil {
		waiter <- result
	}

	r.emit("EXPERT_COMPLETED", taskID, agentID, expertEventPayload{
		TaskID:        taskID,
		ExpertID:      at.expertID,
		RequesterID:   at.requesterID,
		CorrelationID: at.correlationID,
	})
	r.metrics.completedTotal.Inc()
	return nil
}

// escalateResult is the wire shape an expert's Complete result must encode
// for tasks created via Escalate.
type escalateResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Escalate implements speedlayer.Escalator: it delegates a command
// validation task under the security capability and blocks until the
// assigned expert calls Complete with an escalateResult payload, or ctx's
// deadline passes.
func (r *Registry) Escalate(ctx context.Context, toolName string, toolInput map[string]any, requesterAgentID string) (approved bool, reason string, err error) {
	taskID := uuid.NewString()
	waitCh := make(chan []byte, 1)

	r.mu.Lock()
	if r.waiters == nil {
		r.waiters = make(map[string]chan []byte)
	}
	r.waiters[taskID] = waitCh
	r.mu.Unlock()

	agentID, ok := r.tryAssign([]Capability{CapabilitySecurity})
	if !ok {
		r.mu.Lock()
		delete(r.waiters, taskID)
		r.mu.Unlock()
		return false, "", lherr.New(lherr.KindTransient, "no security-capable expert available")
	}
	r.finishDelegate(taskID, agentID, requesterAgentID)

	select {
	case payload := <-waitCh:
		var res escalateResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return false, "", lherr.Wrap(lherr.KindInvalidPayload, err, "decode escalation result for task %q", taskID)
		}
		return res.Approved, res.Reason, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, taskID)
		r.mu.Unlock()
		return false, "", lherr.Wrap(lherr.KindTimeout, ctx.Err(), "escalation %q timed out awaiting expert", taskID)
	}
}
