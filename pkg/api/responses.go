package api

import (
	"time"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/speedlayer"
)

// healthResponse is GET /health's reply DTO, wrapping broker.HealthStatus
// with JSON tags since that struct has none of its own.
type healthResponse struct {
	Status        string            `json:"status"`
	Subsystems    map[string]string `json:"subsystems"`
	IdentityCount int               `json:"identity_count"`
	ExpertCount   int               `json:"expert_count"`
	SessionCount  int               `json:"session_count"`
	LastSequence  uint64            `json:"last_sequence"`
	SegmentSize   string            `json:"segment_size"`
	BreakerStates map[string]string `json:"breaker_states"`
}

// identityResponse wraps authn.Identity with JSON tags.
type identityResponse struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

func newIdentityResponse(id *authn.Identity) identityResponse {
	return identityResponse{
		AgentID:   id.AgentID,
		Role:      string(id.Role),
		IssuedAt:  id.IssuedAt,
		ExpiresAt: id.ExpiresAt,
		Token:     id.Token,
	}
}

// sessionResponse is the reply to POST /api/v1/sessions.
type sessionResponse struct {
	SessionToken string `json:"session_token"`
}

// eventResponse wraps eventlog.Event with JSON tags.
type eventResponse struct {
	ID            string    `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Kind          string    `json:"kind"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       []byte    `json:"payload"`
	AppendedBy    string    `json:"appended_by"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id"`
	AppendedAt    time.Time `json:"appended_at"`
}

func newEventResponse(e *eventlog.Event) eventResponse {
	return eventResponse{
		ID:            e.ID,
		Sequence:      e.Sequence,
		Kind:          string(e.Kind),
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		AppendedBy:    e.AppendedBy,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		AppendedAt:    e.AppendedAt,
	}
}

// storeEventResponse is the reply to POST /api/v1/events.
type storeEventResponse struct {
	EventID  string `json:"event_id"`
	Sequence uint64 `json:"sequence"`
}

// queryEventsResponse is the reply to GET /api/v1/events.
type queryEventsResponse struct {
	Events []eventResponse `json:"events"`
}

// validateCommandResponse wraps broker.ValidateCommandResult with JSON tags.
type validateCommandResponse struct {
	Decision  bool            `json:"decision"`
	Reason    string          `json:"reason"`
	Tier      speedlayer.Tier `json:"tier"`
	LatencyMs int64           `json:"latency_ms"`
}

// beginChallengeResponse is the reply to POST /api/v1/experts/challenge.
type beginChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// registerExpertResponse is the reply to POST /api/v1/experts/register.
type registerExpertResponse struct {
	ExpertToken string `json:"expert_token"`
}

// delegateTaskResponse is the reply to POST /api/v1/experts/delegate.
type delegateTaskResponse struct {
	TaskID string `json:"task_id"`
}

// elicitResponse is the reply to POST /api/v1/elicitations.
type elicitResponse struct {
	ElicitationID string `json:"elicitation_id"`
}

// awaitElicitationResponse is the reply to GET /api/v1/elicitations/:id.
type awaitElicitationResponse struct {
	Payload []byte `json:"payload"`
	State   string `json:"state"`
}

// notificationResponse wraps elicitation.Notification with JSON tags.
type notificationResponse struct {
	ElicitationID string `json:"elicitation_id"`
	FromAgent     string `json:"from_agent"`
	Message       string `json:"message"`
	Schema        []byte `json:"schema,omitempty"`
}

// checkElicitationsResponse is the reply to GET /api/v1/elicitations.
type checkElicitationsResponse struct {
	Pending []notificationResponse `json:"pending"`
}

// projectionResponse wraps a single projected file's bytes, used by the
// current/history/snapshot endpoints.
type projectionResponse struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Found   bool   `json:"found"`
}

// annotationsResponse is the reply to GET /api/v1/projection/annotations/*.
type annotationsResponse struct {
	Path        string       `json:"path"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	Line      int       `json:"line"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
