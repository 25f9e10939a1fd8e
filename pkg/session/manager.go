// Package session implements the broker's Session Validator: short-lived,
// IP/user-agent-bound session tokens layered on top of an authenticated
// agent identity. Sessions are held in memory only; see spec.md §4.3.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// EventSink is the minimal event-append surface the validator needs to
// record session lifecycle transitions. Defined locally (rather than
// depending on the concrete *eventlog.Log) so tests can substitute a fake;
// *eventlog.Log satisfies it structurally.
type EventSink interface {
	Append(kind, aggregateID string, payload []byte, appendingAgentID string) (id string, sequence uint64, err error)
}

// IdentityLookup is the subset of pkg/authn.Authenticator the validator
// needs: create_session requires lookup(agent_id) to have already
// succeeded.
type IdentityLookup interface {
	Lookup(agentID string) (authn.Identity, bool)
}

// Manager is the broker's single Session Validator instance.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	secret   []byte
	ttl      time.Duration

	identities IdentityLookup
	sink       EventSink
}

// New constructs a Manager. secret is the broker-wide MAC key; ttl is the
// idle timeout after which a session is garbage-collected.
func New(secret []byte, ttl time.Duration, identities IdentityLookup, sink EventSink) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		secret:     append([]byte(nil), secret...),
		ttl:        ttl,
		identities: identities,
		sink:       sink,
	}
}

// CreateSession mints a session token for agentID, bound to ip and
// userAgent. Requires the agent to already hold an authenticated identity.
func (m *Manager) CreateSession(agentID, ip, userAgent string) (string, error) {
	if _, ok := m.identities.Lookup(agentID); !ok {
		return "", lherr.New(lherr.KindUnauthenticated, "agent %q is not authenticated", agentID)
	}

	now := time.Now()
	sessionID := uuid.NewString()
	token, err := issueToken(m.secret, sessionID, agentID, now)
	if err != nil {
		return "", lherr.Wrap(lherr.KindIntegrityFault, err, "issue session token")
	}

	sess := &Session{ID: sessionID, AgentID: agentID, IP: ip, UserAgent: userAgent, CreatedAt: now, LastActivity: now}
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.emit("SESSION_CREATED", sessionID, agentID)
	return token, nil
}

// Validate verifies token's MAC, that it names expectedAgentID, and that
// ip/userAgent match the bound values. A mismatch on ip or userAgent is
// treated as a hijack attempt: the session is revoked and a
// SESSION_HIJACK_ATTEMPT event is recorded before the error is returned.
func (m *Manager) Validate(token, expectedAgentID, ip, userAgent string) (*Session, error) {
	parsed, err := parseToken(m.secret, token)
	if err != nil {
		return nil, lherr.Wrap(lherr.KindInvalidSession, err, "invalid session token")
	}
	if parsed.agentID != expectedAgentID {
		return nil, lherr.New(lherr.KindInvalidSession, "session token does not belong to agent %q", expectedAgentID)
	}

	m.mu.Lock()
	sess, ok := m.sessions[parsed.sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, lherr.New(lherr.KindInvalidSession, "unknown or expired session")
	}
	if sess.IP != ip || sess.UserAgent != userAgent {
		delete(m.sessions, parsed.sessionID)
		m.mu.Unlock()
		m.emitHijack(parsed.sessionID, expectedAgentID, sess.IP, ip, sess.UserAgent, userAgent)
		return nil, lherr.New(lherr.KindInvalidSession, "session ip/user-agent mismatch")
	}
	sess.LastActivity = time.Now()
	snapshot := *sess
	m.mu.Unlock()

	return &snapshot, nil
}

// Revoke removes a session and emits SESSION_REVOKED. A no-op on an
// already-absent session.
func (m *Manager) Revoke(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.emit("SESSION_REVOKED", sessionID, sess.AgentID)
	return nil
}

// Count returns the number of live sessions, used by the broker's health()
// aggregation.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RunGC blocks, sweeping idle-expired sessions every interval until ctx is
// cancelled. Intended to run in its own goroutine for the life of the
// broker process.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var expired []*Session
	m.mu.Lock()
	for id, sess := range m.sessions {
		if sess.idle(now, m.ttl) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, sess := range expired {
		m.emit("SESSION_EXPIRED", sess.ID, sess.AgentID)
	}
}

type sessionEventPayload struct {
	AgentID          string `json:"agent_id"`
	BoundIP          string `json:"bound_ip,omitempty"`
	RequestIP        string `json:"request_ip,omitempty"`
	BoundUserAgent   string `json:"bound_user_agent,omitempty"`
	RequestUserAgent string `json:"request_user_agent,omitempty"`
}

func (m *Manager) emit(kind, sessionID, agentID string) {
	m.append(kind, sessionID, sessionEventPayload{AgentID: agentID}, agentID)
}

// emitHijack records both the session's bound IP/UA and the mismatched
// request's IP/UA, per spec.md §8 scenario 6 ("exactly one
// SESSION_HIJACK_ATTEMPT event with both IPs recorded").
func (m *Manager) emitHijack(sessionID, agentID, boundIP, requestIP, boundUA, requestUA string) {
	m.append("SESSION_HIJACK_ATTEMPT", sessionID, sessionEventPayload{
		AgentID:          agentID,
		BoundIP:          boundIP,
		RequestIP:        requestIP,
		BoundUserAgent:   boundUA,
		RequestUserAgent: requestUA,
	}, agentID)
}

func (m *Manager) append(kind, sessionID string, payload sessionEventPayload, agentID string) {
	if m.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("session: failed to marshal lifecycle event payload", "kind", kind, "session_id", sessionID, "error", err)
		return
	}
	if _, _, err := m.sink.Append(kind, sessionID, data, agentID); err != nil {
		slog.Warn("session: failed to append lifecycle event", "kind", kind, "session_id", sessionID, "error", err)
	}
}
