package api

import (
	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/experts"
)

// authenticateRequest is the body of POST /api/v1/authenticate.
type authenticateRequest struct {
	AgentID string    `json:"agent_id"`
	Token   string    `json:"token"`
	Role    authn.Role `json:"role"`
}

// createSessionRequest is the body of POST /api/v1/sessions.
type createSessionRequest struct {
	AgentID string `json:"agent_id"`
}

// storeEventRequest is the body of POST /api/v1/events.
type storeEventRequest struct {
	Kind        string `json:"kind"`
	AggregateID string `json:"aggregate_id"`
	Payload     []byte `json:"payload"`
}

// validateCommandRequest is the body of POST /api/v1/commands/validate.
type validateCommandRequest struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// beginChallengeRequest is the body of POST /api/v1/experts/challenge.
type beginChallengeRequest struct {
	AuthToken string `json:"auth_token"`
}

// registerExpertRequest is the body of POST /api/v1/experts/register.
type registerExpertRequest struct {
	Challenge         string               `json:"challenge"`
	ChallengeResponse string               `json:"challenge_response"`
	Capabilities      []experts.Capability `json:"capabilities"`
}

// expertHeartbeatRequest is the body of POST /api/v1/experts/heartbeat.
type expertHeartbeatRequest struct {
	ExpertToken string `json:"expert_token"`
}

// delegateTaskRequest is the body of POST /api/v1/experts/delegate.
type delegateTaskRequest struct {
	Task                 string               `json:"task"`
	RequiredCapabilities []experts.Capability `json:"required_capabilities"`
	Priority             int                  `json:"priority"`
	DeadlineSeconds      int                  `json:"deadline_seconds"`
}

// completeTaskRequest is the body of POST /api/v1/experts/complete.
type completeTaskRequest struct {
	TaskID string `json:"task_id"`
	Result []byte `json:"result"`
}

// elicitRequest is the body of POST /api/v1/elicitations.
type elicitRequest struct {
	ToAgent        string `json:"to_agent"`
	Message        string `json:"message"`
	Schema         []byte `json:"schema,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// respondElicitationRequest is the body of POST
// /api/v1/elicitations/:id/respond.
type respondElicitationRequest struct {
	Payload   []byte `json:"payload"`
	Signature string `json:"signature"`
}
