package elicitation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// EventSink records the manager's state-transition events.
type EventSink interface {
	Append(kind, aggregateID string, payload []byte, appendingAgentID string) (id string, sequence uint64, err error)
}

// Config configures a new Manager.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	NotifyBuffer   int
	Quotas         Quotas
	NonceWindow    time.Duration
	SweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     300 * time.Second,
		NotifyBuffer:   32,
		Quotas:         DefaultQuotas(),
		NonceWindow:    300 * time.Second,
		SweepInterval:  time.Second,
	}
}

// command is a closure executed exclusively on the manager's single-owner
// loop, per spec.md §5: "all state mutations are serialized under a single
// lock (or equivalent single-owner loop)."
type command struct {
	fn func(now time.Time)
}

// Manager is the broker's single Elicitation Manager instance.
type Manager struct {
	cfg    Config
	auth   *authn.Authenticator
	secret []byte
	sink   EventSink
	hub    *notifyHub
	quotas *quotaTracker
	nonces *nonceCache

	cmdCh chan command

	// Owned exclusively by the command loop goroutine — no lock needed.
	elicitations map[string]*Elicitation
	deadlines    *deadlineQueue
	waiters      map[string][]chan terminal

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type terminal struct {
	state   State
	payload []byte
}

// New constructs a Manager. secret is the broker-wide MAC key used to
// derive expected_response_key.
func New(secret []byte, auth *authn.Authenticator, sink EventSink, cfg Config) *Manager {
	return &Manager{
		cfg:          cfg,
		auth:         auth,
		secret:       append([]byte(nil), secret...),
		sink:         sink,
		hub:          newNotifyHub(),
		quotas:       newQuotaTracker(cfg.Quotas),
		nonces:       newNonceCache(cfg.NonceWindow),
		cmdCh:        make(chan command),
		elicitations: make(map[string]*Elicitation),
		deadlines:    newDeadlineQueue(),
		waiters:      make(map[string][]chan terminal),
		stopCh:       make(chan struct{}),
	}
}

// Rebuild replays events (assumed to already be filtered to this
// elicitation manager's ELICITATION_* kinds, in sequence order) to
// reconstruct in-memory state after a restart, per spec.md §4.6's "Rebuild
// on restart". It must be called before Run starts the command loop: it
// writes m.elicitations directly rather than through execute, which is
// only safe while nothing else can be touching that state yet.
func (m *Manager) Rebuild(events []eventlog.Event) error {
	now := time.Now()
	for _, evt := range events {
		switch evt.Kind {
		case eventlog.KindElicitationCreated:
			var p elicitationEventPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return lherr.Wrap(lherr.KindIntegrityFault, err, "decode ELICITATION_CREATED payload for %q", evt.AggregateID)
			}
			key, err := expectedResponseKey(m.secret, evt.AggregateID, p.ToAgent, p.Nonce)
			if err != nil {
				return err
			}
			m.elicitations[evt.AggregateID] = &Elicitation{
				ID:                  evt.AggregateID,
				FromAgent:           p.FromAgent,
				ToAgent:             p.ToAgent,
				Message:             p.Message,
				Schema:              p.Schema,
				Nonce:               p.Nonce,
				ExpectedResponseKey: key,
				State:               StatePending,
				CreatedAt:           evt.AppendedAt,
				Deadline:            time.Unix(0, p.DeadlineUnixNano),
			}
			m.nonces.claim(p.Nonce, now)

		case eventlog.KindElicitationDelivered:
			if e, ok := m.elicitations[evt.AggregateID]; ok && e.State == StatePending {
				e.State = StateDelivered
			}

		case eventlog.KindElicitationResponded:
			var p elicitationEventPayload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				return lherr.Wrap(lherr.KindIntegrityFault, err, "decode ELICITATION_RESPONDED payload for %q", evt.AggregateID)
			}
			if e, ok := m.elicitations[evt.AggregateID]; ok {
				e.State = StateResponded
				e.ResponsePayload = p.Payload
			}

		case eventlog.KindElicitationExpired:
			if e, ok := m.elicitations[evt.AggregateID]; ok {
				e.State = StateExpired
			}

		case eventlog.KindElicitationCancelled:
			if e, ok := m.elicitations[evt.AggregateID]; ok {
				e.State = StateCancelled
			}

		case eventlog.KindElicitationRejected:
			// A rejected response doesn't move the elicitation itself —
			// the real addressee can still respond — so there is nothing
			// to replay onto state.
		}
	}

	// Elicitations still PENDING/DELIVERED get pushed onto the deadline
	// queue so the sweep ticker picks them up, and re-queued on the
	// notification hub so the addressee sees them again on its next
	// check_elicitations even though the in-memory hub itself did not
	// survive the restart. Any whose deadline already passed while the
	// broker was down are marked EXPIRED immediately, with a fresh
	// ELICITATION_EXPIRED event, rather than waiting for the first sweep
	// tick to discover a deadline already behind it.
	for _, e := range m.elicitations {
		if e.State != StatePending && e.State != StateDelivered {
			continue
		}
		if e.expired(now) {
			e.State = StateExpired
			m.emit("ELICITATION_EXPIRED", e.ID, e.FromAgent, elicitationEventPayload{FromAgent: e.FromAgent, ToAgent: e.ToAgent})
			continue
		}
		m.deadlines.push(e)
		m.quotas.reserve(e.FromAgent)
		m.hub.Deliver(e.ToAgent, Notification{ElicitationID: e.ID, FromAgent: e.FromAgent, Message: e.Message, Schema: e.Schema})
	}
	return nil
}

// Run is the manager's single-owner command loop. It must run in its own
// goroutine for the lifetime of the Manager.
func (m *Manager) Run() {
	m.wg.Add(1)
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case cmd := <-m.cmdCh:
			cmd.fn(time.Now())
		case <-ticker.C:
			now := time.Now()
			m.sweepExpired(now)
			m.nonces.sweep(now)
		}
	}
}

// Stop halts the command loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// execute runs fn on the command loop and blocks until it completes.
func (m *Manager) execute(fn func(now time.Time)) {
	done := make(chan struct{})
	m.cmdCh <- command{fn: func(now time.Time) { fn(now); close(done) }}
	<-done
}

// Subscribe registers agentID's push-notification inbox. See notifyHub.
func (m *Manager) Subscribe(agentID string) (<-chan Notification, func()) {
	return m.hub.Subscribe(agentID, m.cfg.NotifyBuffer)
}

// Create implements create(): authorize from_agent, validate to_agent is
// known, generate a nonce and expected_response_key, append
// ELICITATION_CREATED, and push a notification (or hold it pending).
// Returns immediately; callers use Await to block for the eventual result.
func (m *Manager) Create(fromAgent, toAgent, message string, schemaDoc []byte, timeout time.Duration) (string, error) {
	if _, ok := m.auth.Lookup(fromAgent); !ok {
		return "", lherr.New(lherr.KindUnauthenticated, "agent %q is not authenticated", fromAgent)
	}
	if err := m.auth.Authorize(fromAgent, authn.PermExpertCoordinate); err != nil {
		return "", err
	}
	if _, ok := m.auth.Lookup(toAgent); !ok {
		return "", lherr.New(lherr.KindInvalidPayload, "to_agent %q is not a known agent", toAgent)
	}
	if len(schemaDoc) > 0 {
		if _, err := compileSchema(schemaDoc); err != nil {
			return "", err
		}
	}
	if len(message) > m.cfg.Quotas.MaxPayloadBytes {
		return "", lherr.New(lherr.KindInvalidPayload, "message exceeds %d bytes", m.cfg.Quotas.MaxPayloadBytes)
	}
	if !m.quotas.allowCreate(fromAgent) {
		return "", lherr.RateLimited(time.Minute, "agent %q exceeded elicitation create quota", fromAgent)
	}

	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout > m.cfg.MaxTimeout {
		timeout = m.cfg.MaxTimeout
	}

	id := uuid.NewString()
	nonce, err := newNonce()
	if err != nil {
		m.quotas.release(fromAgent)
		return "", err
	}
	// Nonce freshness is enforced at generation: a nonce this package has
	// already issued within the replay window is rejected and a fresh one
	// drawn, rather than letting two elicitations ever share a response
	// key derivation.
	for attempts := 0; m.nonces.claim(nonce, time.Now()); attempts++ {
		if attempts > 5 {
			m.quotas.release(fromAgent)
			return "", lherr.New(lherr.KindTransient, "failed to draw a fresh nonce")
		}
		nonce, err = newNonce()
		if err != nil {
			m.quotas.release(fromAgent)
			return "", err
		}
	}

	key, err := expectedResponseKey(m.secret, id, toAgent, nonce)
	if err != nil {
		m.quotas.release(fromAgent)
		return "", err
	}

	var deadline time.Time
	m.execute(func(now time.Time) {
		e := &Elicitation{
			ID:                  id,
			FromAgent:           fromAgent,
			ToAgent:             toAgent,
			Message:             message,
			Schema:              schemaDoc,
			Nonce:               nonce,
			ExpectedResponseKey: key,
			State:               StatePending,
			CreatedAt:           now,
			Deadline:            now.Add(timeout),
		}
		m.elicitations[id] = e
		m.deadlines.push(e)
		deadline = e.Deadline
	})
	m.emit("ELICITATION_CREATED", id, fromAgent, elicitationEventPayload{
		FromAgent:        fromAgent,
		ToAgent:          toAgent,
		Message:          message,
		Schema:           schemaDoc,
		Nonce:            nonce,
		DeadlineUnixNano: deadline.UnixNano(),
	})

	if m.hub.Deliver(toAgent, Notification{ElicitationID: id, FromAgent: fromAgent, Message: message, Schema: schemaDoc}) {
		m.execute(func(now time.Time) {
			if e, ok := m.elicitations[id]; ok && e.State == StatePending {
				e.State = StateDelivered
			}
		})
		m.emit("ELICITATION_DELIVERED", id, toAgent, elicitationEventPayload{ToAgent: toAgent})
	}

	return id, nil
}

// Respond implements respond(): verify state, addressee, signature, and
// schema, then transition to RESPONDED and wake any Await callers.
func (m *Manager) Respond(id, respondingAgent string, payload []byte, signature string) error {
	if len(payload) > m.cfg.Quotas.MaxPayloadBytes {
		return lherr.New(lherr.KindInvalidPayload, "response payload exceeds %d bytes", m.cfg.Quotas.MaxPayloadBytes)
	}

	var e *Elicitation
	var stateErr error
	var impersonation bool
	m.execute(func(now time.Time) {
		cur, ok := m.elicitations[id]
		if !ok {
			stateErr = lherr.New(lherr.KindNotFound, "elicitation %q not found", id)
			return
		}
		if cur.State != StatePending && cur.State != StateDelivered {
			stateErr = lherr.New(lherr.KindConflictState, "elicitation %q is in state %s, cannot respond", id, cur.State)
			return
		}
		if cur.expired(now) {
			stateErr = lherr.New(lherr.KindTimeout, "elicitation %q deadline has passed", id)
			return
		}
		if cur.ToAgent != respondingAgent {
			stateErr = lherr.New(lherr.KindUnauthorized, "agent %q is not the addressee of elicitation %q", respondingAgent, id)
			impersonation = true
			return
		}
		e = cur
	})
	if stateErr != nil {
		if impersonation {
			// The one state-check failure that is itself a security event:
			// an agent other than the addressee attempted to answer. The
			// elicitation stays PENDING/DELIVERED so its real addressee can
			// still respond.
			m.emit("ELICITATION_REJECTED", id, respondingAgent, elicitationEventPayload{
				RespondingAgent: respondingAgent,
				Reason:          "responding agent is not the addressee",
			})
		}
		return stateErr
	}

	want, err := responseSignature(e.ExpectedResponseKey, id, respondingAgent, e.Nonce, payload)
	if err != nil {
		return err
	}
	if !constantTimeEqual(want, signature) {
		m.emit("ELICITATION_REJECTED", id, respondingAgent, elicitationEventPayload{
			RespondingAgent: respondingAgent,
			Reason:          "response signature verification failed",
		})
		return lherr.New(lherr.KindUnauthenticated, "response signature verification failed for elicitation %q", id)
	}

	if len(e.Schema) > 0 {
		if err := validateResponse(e.Schema, payload); err != nil {
			m.emit("ELICITATION_REJECTED", id, respondingAgent, elicitationEventPayload{
				RespondingAgent: respondingAgent,
				Reason:          "response failed schema validation",
			})
			return err
		}
	}

	var transitioned bool
	m.execute(func(now time.Time) {
		cur, ok := m.elicitations[id]
		if !ok || (cur.State != StatePending && cur.State != StateDelivered) {
			return // lost the race to an expiry or a concurrent respond
		}
		cur.State = StateResponded
		cur.ResponsePayload = payload
		m.deadlines.remove(cur)
		transitioned = true
	})
	if !transitioned {
		return lherr.New(lherr.KindConflictState, "elicitation %q was no longer awaiting a response", id)
	}

	m.quotas.release(e.FromAgent)
	m.emit("ELICITATION_RESPONDED", id, respondingAgent, elicitationEventPayload{
		RespondingAgent: respondingAgent,
		Payload:         payload,
	})
	m.wake(id, terminal{state: StateResponded, payload: payload})
	return nil
}

// Cancel transitions a still-open elicitation to CANCELLED. A response
// that arrives after cancellation is rejected by Respond's state check.
func (m *Manager) Cancel(id string) error {
	var e *Elicitation
	var already bool
	m.execute(func(now time.Time) {
		cur, ok := m.elicitations[id]
		if !ok {
			return
		}
		if cur.State != StatePending && cur.State != StateDelivered {
			already = true
			return
		}
		cur.State = StateCancelled
		m.deadlines.remove(cur)
		e = cur
	})
	if e == nil {
		if already {
			return lherr.New(lherr.KindConflictState, "elicitation %q is no longer cancellable", id)
		}
		return lherr.New(lherr.KindNotFound, "elicitation %q not found", id)
	}
	m.quotas.release(e.FromAgent)
	m.emit("ELICITATION_CANCELLED", id, e.FromAgent, elicitationEventPayload{FromAgent: e.FromAgent, ToAgent: e.ToAgent})
	m.wake(id, terminal{state: StateCancelled})
	return nil
}

// Await blocks until id reaches a terminal state (RESPONDED, EXPIRED, or
// CANCELLED) or ctx is cancelled.
func (m *Manager) Await(ctx context.Context, id string) (payload []byte, state State, err error) {
	waitCh := make(chan terminal, 1)
	var alreadyDone bool
	var doneState terminal

	m.execute(func(now time.Time) {
		cur, ok := m.elicitations[id]
		if !ok {
			return
		}
		switch cur.State {
		case StateResponded:
			alreadyDone, doneState = true, terminal{state: StateResponded, payload: cur.ResponsePayload}
		case StateExpired, StateCancelled, StateRejected:
			alreadyDone, doneState = true, terminal{state: cur.State}
		default:
			m.waiters[id] = append(m.waiters[id], waitCh)
		}
	})
	if alreadyDone {
		return doneState.payload, doneState.state, nil
	}

	select {
	case t := <-waitCh:
		return t.payload, t.state, nil
	case <-ctx.Done():
		return nil, "", lherr.Wrap(lherr.KindTimeout, ctx.Err(), "await on elicitation %q cancelled", id)
	}
}

func (m *Manager) wake(id string, t terminal) {
	m.execute(func(now time.Time) {
		for _, ch := range m.waiters[id] {
			ch <- t
		}
		delete(m.waiters, id)
	})
}

// sweepExpired runs on the command loop's own ticker (not via execute,
// since it already is the loop) and transitions every elicitation whose
// deadline has passed to EXPIRED.
func (m *Manager) sweepExpired(now time.Time) {
	for {
		e, ok := m.deadlines.front()
		if !ok || !e.expired(now) {
			return
		}
		m.deadlines.popFront()
		if e.State != StatePending && e.State != StateDelivered {
			continue
		}
		e.State = StateExpired
		m.quotas.release(e.FromAgent)
		for _, ch := range m.waiters[e.ID] {
			ch <- terminal{state: StateExpired}
		}
		delete(m.waiters, e.ID)
		m.emit("ELICITATION_EXPIRED", e.ID, e.FromAgent, elicitationEventPayload{FromAgent: e.FromAgent, ToAgent: e.ToAgent})
	}
}

// elicitationEventPayload is the wire shape for ELICITATION_* events. Every
// field a rebuild needs to reconstruct an Elicitation (message, schema,
// nonce, deadline) is carried on ELICITATION_CREATED; the rest carry just
// enough to explain the transition. See Rebuild.
type elicitationEventPayload struct {
	FromAgent        string `json:"from_agent,omitempty"`
	ToAgent          string `json:"to_agent,omitempty"`
	Message          string `json:"message,omitempty"`
	Schema           []byte `json:"schema,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
	DeadlineUnixNano int64  `json:"deadline_unix_nano,omitempty"`
	RespondingAgent  string `json:"responding_agent,omitempty"`
	Payload          []byte `json:"payload,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func (m *Manager) emit(kind, elicitationID, actingAgent string, payload elicitationEventPayload) {
	if m.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _, _ = m.sink.Append(kind, elicitationID, data, actingAgent)
}
