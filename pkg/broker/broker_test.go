package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/experts"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.BrokerSecret = []byte("broker-test-secret")
	cfg.LivenessSweepInterval = 10 * time.Millisecond
	cfg.SessionGCInterval = 50 * time.Millisecond

	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Run(ctx))
	t.Cleanup(func() {
		cancel()
		_ = b.Shutdown(context.Background())
	})
	return b
}

func TestNewFailsWithoutSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	_, err := New(cfg)
	require.Error(t, err)
}

func TestBootstrapAuthenticateAndCreateSession(t *testing.T) {
	b := newTestBroker(t)

	identity, err := b.BootstrapAgent("agent-a", authn.RoleBuilderAgent)
	require.NoError(t, err)
	require.NotEmpty(t, identity.Token)

	got, err := b.Authenticate("agent-a", identity.Token, authn.RoleBuilderAgent)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.AgentID)

	token, err := b.CreateSession("agent-a", "127.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NoError(t, b.ValidateSession(token, "agent-a", "127.0.0.1", "test-agent"))
}

func TestStoreAndQueryEvents(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BootstrapAgent("agent-a", authn.RoleBuilderAgent)
	require.NoError(t, err)

	_, seq, err := b.StoreEvent("agent-a", "FILE_MODIFIED", "a.txt", []byte(`{"path":"a.txt","content":"aGVsbG8="}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	events, err := b.QueryEvents("agent-a", eventlog.Filter{AggregateID: "a.txt"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestValidateCommandViaPolicyTier(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BootstrapAgent("agent-a", authn.RoleBuilderAgent)
	require.NoError(t, err)

	result, err := b.ValidateCommand(context.Background(), "agent-a", "fs.read", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.True(t, result.Decision)
	assert.GreaterOrEqual(t, result.LatencyMs, int64(0))
}

func TestRegisterExpertAndDelegateTask(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BootstrapAgent("expert-a", authn.RoleExpertAgent)
	require.NoError(t, err)
	identity, _ := b.Auth.Lookup("expert-a")

	challenge, err := b.BeginChallenge("expert-a", identity.Token)
	require.NoError(t, err)

	resp, err := experts.ComputeChallengeResponse(b.cfg.BrokerSecret, "expert-a", challenge)
	require.NoError(t, err)

	expertToken, err := b.RegisterExpert("expert-a", challenge, resp, []experts.Capability{experts.CapabilitySecurity})
	require.NoError(t, err)
	require.NotEmpty(t, expertToken)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	taskID, err := b.DelegateTask(ctx, "agent-a", "review this diff", []experts.Capability{experts.CapabilitySecurity}, 1, time.Second)
	require.NoError(t, err)

	require.NoError(t, b.CompleteTask("expert-a", taskID, []byte(`{"approved":true,"reason":"looks fine"}`)))
}

func TestElicitRespondAndAwait(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BootstrapAgent("agent-a", authn.RoleBuilderAgent)
	require.NoError(t, err)
	_, err = b.BootstrapAgent("agent-b", authn.RoleBuilderAgent)
	require.NoError(t, err)

	id, err := b.Elicit("agent-a", "agent-b", "pick a color", nil, 5)
	require.NoError(t, err)

	pending := b.CheckElicitations("agent-b")
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ElicitationID)
}

func TestElicitationSurvivesBrokerRestart(t *testing.T) {
	dataDir := t.TempDir()
	secret := []byte("broker-restart-secret")

	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.BrokerSecret = secret
	cfg.LivenessSweepInterval = 10 * time.Millisecond
	cfg.SessionGCInterval = 50 * time.Millisecond

	first, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, first.Run(ctx))

	_, err = first.BootstrapAgent("agent-a", authn.RoleBuilderAgent)
	require.NoError(t, err)
	_, err = first.BootstrapAgent("agent-b", authn.RoleBuilderAgent)
	require.NoError(t, err)

	id, err := first.Elicit("agent-a", "agent-b", "pick a color", nil, 30)
	require.NoError(t, err)

	cancel()
	require.NoError(t, first.Shutdown(context.Background()))

	second, err := New(cfg)
	require.NoError(t, err)
	ctx2, cancel2 := context.WithCancel(context.Background())
	require.NoError(t, second.Run(ctx2))
	t.Cleanup(func() {
		cancel2()
		_ = second.Shutdown(context.Background())
	})

	pending := second.CheckElicitations("agent-b")
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ElicitationID)
}

func TestHealthReportsExpertCount(t *testing.T) {
	b := newTestBroker(t)
	h := b.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Contains(t, h.Subsystems["experts"], "no experts")
}

func TestSnapshotStorePathIsDerivedFromDataDir(t *testing.T) {
	b := newTestBroker(t)
	require.NotNil(t, b.Snapshots)
	assert.FileExists(t, filepath.Join(b.cfg.DataDir, "snapshots.db"))
}
