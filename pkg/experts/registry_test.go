package experts

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tachyon-beep/lighthouse/pkg/authn"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []string
	payloads [][]byte
}

func (f *fakeSink) Append(kind, aggregateID string, payload []byte, appendingAgentID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
	f.payloads = append(f.payloads, payload)
	return "evt", uint64(len(f.events)), nil
}

func (f *fakeSink) has(kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == kind {
			return true
		}
	}
	return false
}

// payloadFor returns the payload of the last-recorded event of kind.
func (f *fakeSink) payloadFor(kind string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i] == kind {
			return f.payloads[i]
		}
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSink, *authn.Authenticator) {
	t.Helper()
	secret := []byte("expert-test-secret")
	auth := authn.New(secret)
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.DelegationTimeout = 200 * time.Millisecond
	r := New(secret, auth, sink, cfg)
	return r, sink, auth
}

func registerExpert(t *testing.T, r *Registry, auth *authn.Authenticator, agentID string, caps []Capability) string {
	t.Helper()
	_, err := auth.Bootstrap(agentID, authn.RoleExpertAgent, time.Hour)
	require.NoError(t, err)
	identity, ok := auth.Lookup(agentID)
	require.True(t, ok)

	challenge, err := r.BeginRegistration(agentID, identity.Token)
	require.NoError(t, err)

	resp, err := expectedResponse(r.secret, agentID, challenge)
	require.NoError(t, err)

	token, err := r.Register(agentID, challenge, resp, caps)
	require.NoError(t, err)
	return token
}

func TestRegisterWithCorrectChallengeResponseSucceeds(t *testing.T) {
	r, sink, auth := newTestRegistry(t)
	token := registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})
	assert.NotEmpty(t, token)
	assert.True(t, sink.has("EXPERT_REGISTERED"))

	snap, ok := r.Snapshot("expert-0")
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, snap.Status)
}

func TestRegisterWithWrongChallengeResponseFails(t *testing.T) {
	r, _, auth := newTestRegistry(t)
	_, err := auth.Bootstrap("expert-0", authn.RoleExpertAgent, time.Hour)
	require.NoError(t, err)
	identity, _ := auth.Lookup("expert-0")

	challenge, err := r.BeginRegistration("expert-0", identity.Token)
	require.NoError(t, err)

	_, err = r.Register("expert-0", challenge, "garbage-response", []Capability{CapabilitySecurity})
	require.Error(t, err)
}

func TestHeartbeatRejectsWrongToken(t *testing.T) {
	r, _, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})
	err := r.Heartbeat("expert-0", "not-the-real-token")
	require.Error(t, err)
}

func TestMissedHeartbeatsMarkExpertOffline(t *testing.T) {
	r, sink, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})

	r.cfg.HeartbeatInterval = 0 // every sweep treats the expert as stale
	r.cfg.MissedBeatsLimit = 2
	r.sweepLiveness()
	r.sweepLiveness()

	snap, ok := r.Snapshot("expert-0")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.True(t, sink.has("EXPERT_OFFLINE"))
}

func TestDelegateAssignsLeastLoadedMatchingExpert(t *testing.T) {
	r, sink, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-busy", []Capability{CapabilitySecurity})
	registerExpert(t, r, auth, "expert-free", []Capability{CapabilitySecurity})

	// Load expert-busy up first so expert-free is the lower-load pick.
	ctx := context.Background()
	firstTask, err := r.Delegate(ctx, "task-a", []Capability{CapabilitySecurity}, 1, "requester", time.Second)
	require.NoError(t, err)

	taskID, err := r.Delegate(ctx, "task-b", []Capability{CapabilitySecurity}, 1, "requester", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, taskAssignee(r, firstTask), taskAssignee(r, taskID))

	snap, _ := r.Snapshot(taskAssignee(r, taskID))
	assert.Equal(t, StatusBusy, snap.Status)
	assert.True(t, sink.has("EXPERT_DELEGATED"))

	var delegated expertEventPayload
	require.NoError(t, json.Unmarshal(sink.payloadFor("EXPERT_DELEGATED"), &delegated))
	assert.Equal(t, taskID, delegated.TaskID)
	assert.Equal(t, taskAssignee(r, taskID), delegated.ExpertID)
	assert.NotEmpty(t, delegated.CorrelationID)
}

// taskAssignee looks up which expert a delegated task was assigned to, for
// assertions that don't otherwise need the expert id.
func taskAssignee(r *Registry, taskID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[taskID].expertID
}

func TestCompleteRestoresAvailableAndRejectsWrongExpert(t *testing.T) {
	r, sink, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})

	taskID, err := r.Delegate(context.Background(), "task", []Capability{CapabilitySecurity}, 1, "requester", time.Second)
	require.NoError(t, err)

	err = r.Complete(taskID, "some-other-expert", []byte(`{}`))
	require.Error(t, err)

	err = r.Complete(taskID, "expert-0", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, sink.has("EXPERT_COMPLETED"))

	snap, _ := r.Snapshot("expert-0")
	assert.Equal(t, StatusAvailable, snap.Status)
}

func TestDelegateQueuesThenBackfillsWhenExpertFreesUp(t *testing.T) {
	r, _, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})

	ctx := context.Background()
	firstTask, err := r.Delegate(ctx, "task-a", []Capability{CapabilitySecurity}, 1, "requester", time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	var secondTask string
	go func() {
		secondTask, err = r.Delegate(ctx, "task-b", []Capability{CapabilitySecurity}, 1, "requester", 5*time.Second)
		close(done)
	}()

	// Give the goroutine a moment to queue, then free the only expert up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.queue.len())
	require.NoError(t, r.Complete(firstTask, "expert-0", []byte(`{}`)))
	r.sweepQueue()

	<-done
	require.NoError(t, err)
	assert.NotEmpty(t, secondTask)
}

func TestDelegateFailsQueuedTaskPastDeadline(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	// No experts registered at all: every delegation queues immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := r.Delegate(ctx, "task", []Capability{CapabilitySecurity}, 1, "requester", 10*time.Millisecond)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	r.sweepQueue()

	err := <-done
	require.Error(t, err)
	assert.True(t, sink.has("EXPERT_QUEUE_FAILED"))
}

func TestEscalateBlocksUntilExpertCompletesWithVerdict(t *testing.T) {
	r, _, auth := newTestRegistry(t)
	registerExpert(t, r, auth, "expert-0", []Capability{CapabilitySecurity})

	result := make(chan struct {
		approved bool
		reason   string
		err      error
	}, 1)
	go func() {
		approved, reason, err := r.Escalate(context.Background(), "custom.action", nil, "builder-0")
		result <- struct {
			approved bool
			reason   string
			err      error
		}{approved, reason, err}
	}()

	// Wait for the escalation to be assigned, then complete it as the expert.
	var taskID string
	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for id, at := range r.active {
			if at.expertID == "expert-0" {
				taskID = id
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(escalateResult{Approved: true, Reason: "looks safe"})
	require.NoError(t, r.Complete(taskID, "expert-0", payload))

	got := <-result
	require.NoError(t, got.err)
	assert.True(t, got.approved)
	assert.Equal(t, "looks safe", got.reason)
}

func TestEscalateFailsWhenNoExpertAvailable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, _, err := r.Escalate(context.Background(), "custom.action", nil, "builder-0")
	require.Error(t, err)
}
