package experts

import "time"

// RunLivenessSweep runs heartbeat-staleness detection and queued-task
// backfill on interval until ctx is done. It is grounded on the teacher's
// queue.Worker heartbeat ticker shape (runHeartbeat in pkg/queue/worker.go),
// generalized from a single session's liveness signal to the whole
// registry's.
func (r *Registry) RunLivenessSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.wg.Add(1)
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepLiveness()
			r.sweepQueue()
		}
	}
}

// Stop halts the liveness sweep goroutine, if running.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepLiveness() {
	now := time.Now()
	r.mu.RLock()
	ids := make([]string, 0, len(r.experts))
	for id := range r.experts {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		e, ok := r.experts[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		lock := r.lockFor(id)
		lock.Lock()
		if e.status == StatusOffline {
			lock.Unlock()
			continue
		}
		if now.Sub(e.lastSeen) > r.cfg.HeartbeatInterval {
			e.missedBeats++
			if e.missedBeats >= r.cfg.MissedBeatsLimit {
				e.status = StatusOffline
				lock.Unlock()
				r.emit("EXPERT_OFFLINE", id, id, expertEventPayload{})
				r.metrics.offlineTotal.Inc()
				continue
			}
		}
		lock.Unlock()
	}
}

// sweepQueue attempts to match each still-queued task against freshly
// AVAILABLE experts, and fails any task past its deadline. Per spec.md
// §4.5: "if no expert matches, the task is queued ... if the deadline
// expires, the task is failed."
func (r *Registry) sweepQueue() {
	now := time.Now()

	for _, t := range r.queue.drainExpired(now) {
		r.emit("EXPERT_QUEUE_FAILED", t.taskID, t.requesterID, expertEventPayload{
			TaskID:      t.taskID,
			RequesterID: t.requesterID,
		})
		t.resultCh <- delegateOutcome{err: errDeadlineExceeded(t.taskID)}
	}

	for _, t := range r.queue.snapshot() {
		if agentID, ok := r.tryAssign(t.capabilities); ok {
			r.queue.remove(t.taskID)
			t.resultCh <- delegateOutcome{agentID: agentID}
		}
	}
}
