// Package eventlog implements the broker's Event Log: the single
// append-only, durable, MAC-integrity-checked record of everything that
// happens in a project. Every other subsystem either appends to it or
// derives its state by replaying it.
package eventlog

import "time"

// Kind is one of the closed set of event kinds the broker recognizes.
// Unlike Role/Permission in pkg/authn, the log itself does not enforce a
// closed kind set at the storage layer (new kinds are added as the broker
// grows); these constants are the kinds emitted by the broker's own
// subsystems today.
type Kind string

const (
	KindAgentJoined    Kind = "AGENT_JOINED"
	KindAgentLeft      Kind = "AGENT_LEFT"
	KindSessionCreated Kind = "SESSION_CREATED"
	KindSessionExpired Kind = "SESSION_EXPIRED"
	KindSessionHijack  Kind = "SESSION_HIJACK_ATTEMPT"
	KindSessionRevoked Kind = "SESSION_REVOKED"

	KindCommandReceived  Kind = "COMMAND_RECEIVED"
	KindCommandApproved  Kind = "COMMAND_APPROVED"
	KindCommandBlocked   Kind = "COMMAND_BLOCKED"
	KindCommandEscalated Kind = "COMMAND_ESCALATED"

	KindExpertRegistered Kind = "EXPERT_REGISTERED"
	KindExpertOffline    Kind = "EXPERT_OFFLINE"
	KindExpertDelegated  Kind = "EXPERT_DELEGATED"
	KindExpertCompleted  Kind = "EXPERT_COMPLETED"
	KindExpertQueued     Kind = "EXPERT_QUEUED"
	KindExpertQueueFailed Kind = "EXPERT_QUEUE_FAILED"

	KindElicitationCreated   Kind = "ELICITATION_CREATED"
	KindElicitationDelivered Kind = "ELICITATION_DELIVERED"
	KindElicitationResponded Kind = "ELICITATION_RESPONDED"
	KindElicitationExpired   Kind = "ELICITATION_EXPIRED"
	KindElicitationCancelled Kind = "ELICITATION_CANCELLED"
	KindElicitationRejected  Kind = "ELICITATION_REJECTED"

	KindFileModified     Kind = "FILE_MODIFIED"
	KindSnapshotTaken    Kind = "SNAPSHOT_TAKEN"
	KindAnnotationAdded  Kind = "ANNOTATION_ADDED"

	KindIntegrityFault Kind = "INTEGRITY_FAULT"
)

// Event is a single durable record in the log. ID and Sequence are assigned
// by the log at append time; Signature is the MAC computed over the rest of
// the record, binding it to AppendedBy under the broker secret.
type Event struct {
	ID           string
	Sequence     uint64
	Kind         Kind
	AggregateID  string
	Payload      []byte
	AppendedBy   string
	CorrelationID string
	CausationID  string
	AppendedAt   time.Time
	Signature    []byte
}
