// Package authn implements the broker's Coordinated Authenticator: the
// single, process-wide registry of authenticated agent identities that
// every other subsystem consults for "is this agent currently
// authenticated, and what can it do." No subsystem keeps its own
// authentication table — see spec.md §4.2 and §9.
package authn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// EventSink is the minimal event-append surface the authenticator needs to
// record AGENT_JOINED / AGENT_LEFT transitions. Defined here (rather than
// importing pkg/eventlog) so authn stays a leaf package; pkg/eventlog's
// *Log satisfies this interface structurally.
type EventSink interface {
	Append(kind, aggregateID string, payload []byte, appendingAgentID string) (id string, sequence uint64, err error)
}

// Authenticator is the Coordinated Authenticator. Exactly one instance
// exists per broker process; it is constructed once and injected into
// every subsystem that needs to authorize a caller.
type Authenticator struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	secret     []byte

	sink EventSink
}

// New constructs an Authenticator. secret is the broker-wide MAC key
// (config.BrokerSecret); it must be non-empty (config.Validate enforces
// this before the broker ever reaches this constructor).
func New(secret []byte) *Authenticator {
	return &Authenticator{
		identities: make(map[string]*Identity),
		secret:     append([]byte(nil), secret...),
	}
}

// SetEventSink wires the event log after both have been constructed,
// resolving the authn↔eventlog bootstrap cycle via setter injection:
// eventlog needs an Authorizer (this type) to gate Append, and this type
// needs eventlog's Append to record AGENT_JOINED/AGENT_LEFT.
func (a *Authenticator) SetEventSink(sink EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Bootstrap seeds an identity of the given role directly, bypassing token
// verification. The broker uses it at startup to create its own system
// identity, and its BootstrapAgent operational tooling uses it to seed
// other agents — otherwise there is no way to mint the first token, since
// CreateToken itself
// requires an authenticated ADMIN/system-agent caller (spec.md's "no
// auto-authentication" anti-pattern note applies to ordinary RPC callers,
// not to the broker's own startup sequence).
func (a *Authenticator) Bootstrap(agentID string, role Role, ttl time.Duration) (*Identity, error) {
	if !ValidRole(role) {
		return nil, lherr.New(lherr.KindInvalidPayload, "unknown role %q", role)
	}
	now := time.Now()
	token, err := issueToken(a.secret, agentID, role, now, now.Add(ttl))
	if err != nil {
		return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "issue bootstrap token")
	}
	id := &Identity{
		AgentID:     agentID,
		Role:        role,
		Permissions: Permissions(role),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Token:       token,
	}
	a.mu.Lock()
	a.identities[agentID] = id
	a.mu.Unlock()
	a.emitJoined(agentID, role)
	return id, nil
}

// Authenticate verifies token is a valid MAC for agentID under the broker
// secret, that it has not expired, and that its embedded role matches
// claimedRole. It never mints an identity for an agent that has not
// already been issued a token via CreateToken/Bootstrap — spec.md §9's
// explicit anti-pattern.
func (a *Authenticator) Authenticate(agentID, token string, claimedRole Role) (*Identity, error) {
	parsed, err := parseToken(a.secret, token)
	if err != nil {
		return nil, lherr.Wrap(lherr.KindUnauthenticated, err, "invalid token")
	}
	if parsed.agentID != agentID {
		return nil, lherr.New(lherr.KindUnauthenticated, "token does not belong to agent %q", agentID)
	}
	if parsed.role != claimedRole {
		return nil, lherr.New(lherr.KindUnauthorized, "role %q not permitted for agent %q", claimedRole, agentID)
	}
	if !ValidRole(parsed.role) {
		return nil, lherr.New(lherr.KindUnauthenticated, "unknown role %q", parsed.role)
	}
	if time.Now().After(parsed.expiresAt) {
		return nil, lherr.New(lherr.KindUnauthenticated, "token for agent %q has expired", agentID)
	}

	id := &Identity{
		AgentID:     agentID,
		Role:        parsed.role,
		Permissions: Permissions(parsed.role),
		IssuedAt:    parsed.issuedAt,
		ExpiresAt:   parsed.expiresAt,
		Token:       token,
	}

	a.mu.Lock()
	_, existed := a.identities[agentID]
	a.identities[agentID] = id
	a.mu.Unlock()

	if !existed {
		a.emitJoined(agentID, parsed.role)
	}
	return id, nil
}

// Lookup returns the current identity for agentID, or ok=false if the
// agent is not authenticated or its identity has expired (an expired
// identity is lazily evicted here, same as an explicit invalidate).
func (a *Authenticator) Lookup(agentID string) (Identity, bool) {
	a.mu.RLock()
	id, ok := a.identities[agentID]
	a.mu.RUnlock()
	if !ok {
		return Identity{}, false
	}
	if id.Expired(time.Now()) {
		a.Invalidate(agentID)
		return Identity{}, false
	}
	return *id, true
}

// Authorize implements eventlog.Authorizer (and is used directly by every
// other subsystem): it looks the agent up and checks the requested
// permission, returning a typed lherr on failure.
func (a *Authenticator) Authorize(agentID string, permission Permission) error {
	id, ok := a.Lookup(agentID)
	if !ok {
		return lherr.New(lherr.KindUnauthenticated, "agent %q is not authenticated", agentID)
	}
	if !id.HasPermission(permission) {
		return lherr.New(lherr.KindUnauthorized, "agent %q lacks permission %q", agentID, permission)
	}
	return nil
}

// Invalidate removes agentID's identity and emits AGENT_LEFT. Safe to call
// on an agent that is not currently authenticated (no-op, no event).
func (a *Authenticator) Invalidate(agentID string) {
	a.mu.Lock()
	_, existed := a.identities[agentID]
	delete(a.identities, agentID)
	a.mu.Unlock()

	if existed {
		a.emitEvent("AGENT_LEFT", agentID)
	}
}

// CreateToken mints a fresh token for a known agent_id/role. The caller
// must itself hold an authenticated system-level identity (system-agent or
// admin) — this is the only construction path for a brand-new agent's
// first token, per spec.md §4.2.
func (a *Authenticator) CreateToken(callerAgentID, agentID string, role Role, ttl time.Duration) (string, error) {
	caller, ok := a.Lookup(callerAgentID)
	if !ok {
		return "", lherr.New(lherr.KindUnauthenticated, "caller %q is not authenticated", callerAgentID)
	}
	if caller.Role != RoleSystemAgent && caller.Role != RoleAdmin {
		return "", lherr.New(lherr.KindUnauthorized, "caller %q is not system-privileged", callerAgentID)
	}
	if !ValidRole(role) {
		return "", lherr.New(lherr.KindInvalidPayload, "unknown role %q", role)
	}
	now := time.Now()
	token, err := issueToken(a.secret, agentID, role, now, now.Add(ttl))
	if err != nil {
		return "", lherr.Wrap(lherr.KindIntegrityFault, err, "issue token")
	}
	return token, nil
}

// Count returns the number of currently-authenticated identities, used by
// the broker's health() aggregation.
func (a *Authenticator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.identities)
}

func (a *Authenticator) emitJoined(agentID string, role Role) {
	a.emitEventPayload("AGENT_JOINED", agentID, []byte(`{"role":"`+string(role)+`"}`))
}

func (a *Authenticator) emitEvent(kind, agentID string) {
	a.emitEventPayload(kind, agentID, []byte("{}"))
}

func (a *Authenticator) emitEventPayload(kind, agentID string, payload []byte) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	if _, _, err := sink.Append(kind, agentID, payload, "system-agent"); err != nil {
		slog.Warn("authn: failed to append identity event", "kind", kind, "agent_id", agentID, "error", err)
	}
}
