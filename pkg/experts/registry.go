package experts

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// EventSink records the registry's lifecycle and dispatch events.
type EventSink interface {
	Append(kind, aggregateID string, payload []byte, appendingAgentID string) (id string, sequence uint64, err error)
}

// Config configures a new Registry.
type Config struct {
	HeartbeatInterval time.Duration
	MissedBeatsLimit  int
	DelegationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		MissedBeatsLimit:  3,
		DelegationTimeout: 30 * time.Second,
	}
}

// Registry is the broker's single Expert Registry & Dispatcher instance.
// The top-level map is guarded by mu; each expert's mutable status fields
// are guarded by the expert's own mutex so a status change on one expert
// never blocks a lookup or status change on another, per spec.md §5.
type Registry struct {
	mu      sync.RWMutex
	experts map[string]*expert
	statMu  map[string]*sync.Mutex

	auth   *authn.Authenticator
	secret []byte
	sink   EventSink
	cfg    Config

	active  map[string]activeTask
	waiters map[string]chan []byte

	queue   *taskQueue
	metrics *metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Registry. secret is the broker-wide MAC key used to
// derive challenge/response and expert tokens.
func New(secret []byte, auth *authn.Authenticator, sink EventSink, cfg Config) *Registry {
	return &Registry{
		experts: make(map[string]*expert),
		statMu:  make(map[string]*sync.Mutex),
		auth:    auth,
		secret:  append([]byte(nil), secret...),
		sink:    sink,
		cfg:     cfg,
		queue:   newTaskQueue(),
		metrics: newMetrics(),
		stopCh:  make(chan struct{}),
	}
}

// BeginRegistration authenticates the caller and issues a fresh challenge.
// The caller (expert process) must return to Register with
// MAC(challenge, agent_secret).
func (r *Registry) BeginRegistration(agentID, authToken string) (challenge string, err error) {
	if _, authErr := r.auth.Authenticate(agentID, authToken, authn.RoleExpertAgent); authErr != nil {
		return "", authErr
	}
	return newChallenge()
}

// Register completes a challenge/response registration started by
// BeginRegistration, records capabilities, and marks the expert AVAILABLE.
// Emits EXPERT_REGISTERED.
func (r *Registry) Register(agentID, challenge, challengeResponse string, capabilities []Capability) (expertToken string, err error) {
	want, err := expectedResponse(r.secret, agentID, challenge)
	if err != nil {
		return "", err
	}
	if !constantTimeEqual(want, challengeResponse) {
		return "", lherr.New(lherr.KindUnauthenticated, "expert %q failed challenge/response", agentID)
	}

	token, err := issueExpertToken(r.secret, agentID, challenge)
	if err != nil {
		return "", err
	}

	now := time.Now()
	r.mu.Lock()
	r.experts[agentID] = newExpert(agentID, capabilities, token, now)
	r.statMu[agentID] = &sync.Mutex{}
	r.mu.Unlock()

	r.emit("EXPERT_REGISTERED", agentID, agentID, expertEventPayload{Capabilities: capabilities})
	r.metrics.registeredTotal.Inc()
	return token, nil
}

// Heartbeat records liveness for agentID. token must match the token
// issued at registration.
func (r *Registry) Heartbeat(agentID, token string) error {
	r.mu.RLock()
	e, ok := r.experts[agentID]
	r.mu.RUnlock()
	if !ok {
		return lherr.New(lherr.KindNotFound, "expert %q not registered", agentID)
	}
	if e.token != token {
		return lherr.New(lherr.KindUnauthenticated, "expert %q presented an invalid token", agentID)
	}

	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	e.lastSeen = time.Now()
	e.missedBeats = 0
	if e.status == StatusOffline {
		e.status = StatusAvailable
	}
	return nil
}

// Unregister removes agentID from the registry and emits EXPERT_OFFLINE.
// Tasks already delegated to it stay in the active set; they are not failed
// or reassigned.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.experts, agentID)
	delete(r.statMu, agentID)
	r.mu.Unlock()
	r.emit("EXPERT_OFFLINE", agentID, agentID, expertEventPayload{})
}

// Snapshot returns a read-only copy of agentID's current record.
func (r *Registry) Snapshot(agentID string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.experts[agentID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	return e.snapshot(), true
}

// Collectors returns the registry's prometheus instruments.
func (r *Registry) Collectors() []prometheus.Collector {
	return r.metrics.Collectors()
}

// Count returns the number of currently registered experts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experts)
}

func (r *Registry) lockFor(agentID string) *sync.Mutex {
	r.mu.RLock()
	lock, ok := r.statMu[agentID]
	r.mu.RUnlock()
	if ok {
		return lock
	}
	// Registration raced with this lookup and lost; fall back to a
	// throwaway lock rather than panicking. Unlikely in practice since
	// Register always installs statMu[agentID] before returning.
	return &sync.Mutex{}
}

// expertEventPayload is the wire shape for EXPERT_* events: enough to
// reconstruct registration, delegation, and completion state from the log
// alone, per spec.md §9's event-sourced-state requirement.
type expertEventPayload struct {
	Capabilities  []Capability `json:"capabilities,omitempty"`
	TaskID        string       `json:"task_id,omitempty"`
	ExpertID      string       `json:"expert_id,omitempty"`
	RequesterID   string       `json:"requester_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

func (r *Registry) emit(kind, aggregateID, agentID string, payload expertEventPayload) {
	if r.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.metrics.emitFailuresTotal.Inc()
		return
	}
	if _, _, err := r.sink.Append(kind, aggregateID, data, agentID); err != nil {
		r.metrics.emitFailuresTotal.Inc()
	}
}
