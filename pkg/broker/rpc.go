package broker

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/elicitation"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/experts"
	"github.com/tachyon-beep/lighthouse/pkg/speedlayer"
)

// ValidateCommandResult is validate_command's reply shape from spec.md §6:
// `{ decision, reason, tier, latency_ms }`.
type ValidateCommandResult struct {
	Decision  bool
	Reason    string
	Tier      speedlayer.Tier
	LatencyMs int64
}

// HealthStatus is health()'s reply shape: `{ status, subsystems: {...},
// metrics }`. Metrics themselves are served separately via
// Collectors()+promhttp; IdentityCount, ExpertCount, SessionCount,
// LastSequence, SegmentSize, and BreakerStates are the operational extras
// beyond the bare spec.md §6 contract.
type HealthStatus struct {
	Status        string
	Subsystems    map[string]string
	IdentityCount int
	ExpertCount   int
	SessionCount  int
	LastSequence  uint64
	SegmentSize   string
	BreakerStates map[string]string
}

// Authenticate implements `authenticate(agent_id, token, role) → identity`.
func (b *Broker) Authenticate(agentID, token string, role authn.Role) (*authn.Identity, error) {
	return b.Auth.Authenticate(agentID, token, role)
}

// BootstrapAgent is operational tooling (not part of spec.md §6's wire
// surface) that lets the CLI and tests seed an agent identity without a
// prior token — every Authenticate call needs one to already exist.
func (b *Broker) BootstrapAgent(agentID string, role authn.Role) (*authn.Identity, error) {
	return b.Auth.Bootstrap(agentID, role, b.cfg.TokenTTL)
}

// CreateSession implements `create_session(agent_id) → session_token`. ip
// and userAgent come from the transport layer (pkg/api), which is why
// they're additional parameters here rather than in spec.md's wire
// contract.
func (b *Broker) CreateSession(agentID, ip, userAgent string) (string, error) {
	return b.Sessions.CreateSession(agentID, ip, userAgent)
}

// ValidateSession implements `validate_session(session_token, agent_id) →
// ok | error`.
func (b *Broker) ValidateSession(sessionToken, agentID, ip, userAgent string) error {
	_, err := b.Sessions.Validate(sessionToken, agentID, ip, userAgent)
	return err
}

// StoreEvent implements `store_event(session_token, kind, aggregate_id,
// payload) → event_id`. sessionToken is pre-validated by the caller (the
// transport layer); appendingAgentID is the agent the session belongs to.
func (b *Broker) StoreEvent(appendingAgentID, kind, aggregateID string, payload []byte) (string, uint64, error) {
	return b.Log.Append(kind, aggregateID, payload, appendingAgentID)
}

// QueryEvents implements `query_events(session_token, filter) → events`.
func (b *Broker) QueryEvents(agentID string, filter eventlog.Filter) ([]*eventlog.Event, error) {
	return b.Log.Query(agentID, filter)
}

// SubscribeEvents implements `subscribe_events(session_token, filter) →
// stream`.
func (b *Broker) SubscribeEvents(ctx context.Context, agentID string, filter eventlog.Filter) (<-chan *eventlog.Event, func(), error) {
	return b.Log.Subscribe(ctx, agentID, filter)
}

// ValidateCommand implements `validate_command(session_token, tool_name,
// tool_input) → { decision, reason, tier, latency_ms }`.
func (b *Broker) ValidateCommand(ctx context.Context, agentID, toolName string, toolInput map[string]any) (ValidateCommandResult, error) {
	start := time.Now()
	dec, err := b.Speed.Decide(ctx, speedlayer.Request{ToolName: toolName, ToolInput: toolInput, AgentID: agentID})
	if err != nil {
		return ValidateCommandResult{}, err
	}
	return ValidateCommandResult{
		Decision:  dec.Approved,
		Reason:    dec.Reason,
		Tier:      dec.Tier,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// BeginChallenge opens the first half of expert registration: it issues
// the challenge the expert must answer in RegisterExpert.
func (b *Broker) BeginChallenge(agentID, authToken string) (string, error) {
	return b.Experts.BeginRegistration(agentID, authToken)
}

// RegisterExpert implements `register_expert(session_token, capabilities,
// auth_challenge_response) → expert_token`. Registration is two calls
// (BeginChallenge then this one) because the protocol is
// challenge/response.
func (b *Broker) RegisterExpert(agentID, challenge, challengeResponse string, capabilities []experts.Capability) (string, error) {
	return b.Experts.Register(agentID, challenge, challengeResponse, capabilities)
}

// ExpertHeartbeat keeps a registered expert's liveness current.
func (b *Broker) ExpertHeartbeat(agentID, expertToken string) error {
	return b.Experts.Heartbeat(agentID, expertToken)
}

// DelegateTask implements `delegate_task(session_token, task,
// required_capabilities, priority) → task_id`.
func (b *Broker) DelegateTask(ctx context.Context, requesterAgentID, task string, requiredCaps []experts.Capability, priority int, deadline time.Duration) (string, error) {
	return b.Experts.Delegate(ctx, task, requiredCaps, priority, requesterAgentID, deadline)
}

// CompleteTask implements `complete_task(expert_token, task_id, result) →
// ok`.
func (b *Broker) CompleteTask(expertAgentID, taskID string, result []byte) error {
	return b.Experts.Complete(taskID, expertAgentID, result)
}

// Elicit implements `elicit(session_token, to_agent, message, schema,
// timeout_seconds) → elicitation_id`.
func (b *Broker) Elicit(fromAgent, toAgent, message string, schema []byte, timeoutSeconds int) (string, error) {
	return b.Elicitation.Create(fromAgent, toAgent, message, schema, time.Duration(timeoutSeconds)*time.Second)
}

// RespondElicitation implements `respond_elicitation(expert_token,
// elicitation_id, payload, signature) → ok`.
func (b *Broker) RespondElicitation(elicitationID, respondingAgent string, payload []byte, signature string) error {
	return b.Elicitation.Respond(elicitationID, respondingAgent, payload, signature)
}

// AwaitElicitation implements `await_elicitation(session_token,
// elicitation_id) → response | timeout`.
func (b *Broker) AwaitElicitation(ctx context.Context, elicitationID string) ([]byte, elicitation.State, error) {
	return b.Elicitation.Await(ctx, elicitationID)
}

// CheckElicitations implements `check_elicitations(session_token) →
// pending_list` by subscribing to the notification hub and draining
// whatever is currently queued for the agent without blocking further.
func (b *Broker) CheckElicitations(agentID string) []elicitation.Notification {
	ch, unsubscribe := b.Elicitation.Subscribe(agentID)
	defer unsubscribe()
	var pending []elicitation.Notification
	for {
		select {
		case n := <-ch:
			pending = append(pending, n)
		default:
			return pending
		}
	}
}

// ReloadPolicy atomically replaces the speed layer's tier-2 policy rule set
// from path, without a broker restart. Operational convenience beyond the
// bare spec.md §6 contract.
func (b *Broker) ReloadPolicy(path string) error {
	return b.Speed.LoadPolicyFile(path)
}

// Health implements `health() → { status, subsystems: {...}, metrics }`.
// Metrics themselves are served by promhttp over Collectors(), not here.
func (b *Broker) Health() HealthStatus {
	subsystems := map[string]string{
		"event_log":   "ok",
		"authn":       "ok",
		"sessions":    "ok",
		"speed_layer": "ok",
		"experts":     "ok",
		"elicitation": "ok",
		"projection":  "ok",
	}
	status := "healthy"
	if b.Experts.Count() == 0 {
		subsystems["experts"] = "no experts registered"
	}
	return HealthStatus{
		Status:        status,
		Subsystems:    subsystems,
		IdentityCount: b.Auth.Count(),
		ExpertCount:   b.Experts.Count(),
		SessionCount:  b.Sessions.Count(),
		LastSequence:  b.Log.LastSequence(),
		SegmentSize:   humanize.Bytes(uint64(b.Log.ActiveSegmentSize())),
		BreakerStates: b.Speed.BreakerStates(),
	}
}
