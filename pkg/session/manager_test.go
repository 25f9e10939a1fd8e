package session

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

type fakeIdentities struct {
	known map[string]bool
}

func (f fakeIdentities) Lookup(agentID string) (authn.Identity, bool) {
	if f.known[agentID] {
		return authn.Identity{AgentID: agentID, Role: authn.RoleBuilderAgent}, true
	}
	return authn.Identity{}, false
}

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
	return "id", uint64(len(f.events)), nil
}

func newTestManager(t *testing.T, known ...string) (*Manager, *fakeSink) {
	t.Helper()
	knownSet := map[string]bool{}
	for _, k := range known {
		knownSet[k] = true
	}
	sink := &fakeSink{}
	m := New([]byte("test-secret"), time.Hour, fakeIdentities{known: knownSet}, sink)
	return m, sink
}

func TestCreateSessionRequiresAuthenticatedAgent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateSession("ghost", "1.2.3.4", "ua")
	require.Error(t, err)
}

func TestCreateThenValidateRoundTrips(t *testing.T) {
	m, sink := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)

	sess, err := m.Validate(token, "builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, "builder-0", sess.AgentID)
	assert.Contains(t, sink.events, "SESSION_CREATED")
}

func TestValidateRejectsWrongAgent(t *testing.T) {
	m, _ := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)

	_, err = m.Validate(token, "builder-1", "1.2.3.4", "ua")
	require.Error(t, err)
}

func TestValidateDetectsIPHijackAndRevokesSession(t *testing.T) {
	m, sink := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)

	_, err = m.Validate(token, "builder-0", "9.9.9.9", "ua")
	require.Error(t, err)
	assert.Contains(t, sink.events, "SESSION_HIJACK_ATTEMPT")

	_, err = m.Validate(token, "builder-0", "1.2.3.4", "ua")
	require.Error(t, err, "a hijacked session must be revoked, not merely rejected once")
}

// TestScenarioSessionHijackDetection reproduces spec.md §8 scenario 6
// verbatim: a session bound to 10.0.0.1 is presented from 10.0.0.2, and the
// resulting SESSION_HIJACK_ATTEMPT carries both IPs.
func TestScenarioSessionHijackDetection(t *testing.T) {
	m, sink := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "10.0.0.1", "claude-agent/1.0")
	require.NoError(t, err)

	_, err = m.Validate(token, "builder-0", "10.0.0.2", "claude-agent/1.0")
	require.Error(t, err)

	hijacks := 0
	var payload sessionEventPayload
	for i, kind := range sink.events {
		if kind == "SESSION_HIJACK_ATTEMPT" {
			hijacks++
			require.NoError(t, json.Unmarshal(sink.payloads[i], &payload))
		}
	}
	assert.Equal(t, 1, hijacks)
	assert.Equal(t, "10.0.0.1", payload.BoundIP)
	assert.Equal(t, "10.0.0.2", payload.RequestIP)
}

func TestValidateDetectsUserAgentMismatch(t *testing.T) {
	m, _ := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua-1")
	require.NoError(t, err)

	_, err = m.Validate(token, "builder-0", "1.2.3.4", "ua-2")
	require.Error(t, err)
}

func TestRevokeRemovesSessionAndEmitsEvent(t *testing.T) {
	m, sink := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)
	parsed, err := parseToken([]byte("test-secret"), token)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(parsed.sessionID))
	_, err = m.Validate(token, "builder-0", "1.2.3.4", "ua")
	require.Error(t, err)
	assert.Contains(t, sink.events, "SESSION_REVOKED")
}

func TestGCSweepsIdleSessions(t *testing.T) {
	m, sink := newTestManager(t, "builder-0")
	token, err := m.CreateSession("builder-0", "1.2.3.4", "ua")
	require.NoError(t, err)
	m.ttl = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go m.RunGC(ctx, 5*time.Millisecond)
	<-ctx.Done()

	_, err = m.Validate(token, "builder-0", "1.2.3.4", "ua")
	require.Error(t, err)
	assert.Contains(t, sink.events, "SESSION_EXPIRED")
}
