package model

import "time"

// Kind is the closed set of message kinds the bus routes (§4.2).
type Kind string

const (
	KindTaskRequest        Kind = "task_request"
	KindTaskResponse       Kind = "task_response"
	KindTaskProgress       Kind = "task_progress"
	KindTaskCancel         Kind = "task_cancel"
	KindHeartbeat          Kind = "heartbeat"
	KindAgentRegister      Kind = "agent_register"
	KindAgentDeregister    Kind = "agent_deregister"
	KindCoordinationReq    Kind = "coordination_request"
	KindCoordinationReply  Kind = "coordination_reply"
	KindConflictReport     Kind = "conflict_report"
	KindRecoveryDirective  Kind = "recovery_directive"
	KindStatusRequest      Kind = "status_request"
	KindStatusReply        Kind = "status_reply"
	KindEmergencyAlert     Kind = "emergency_alert"
)

// knownKinds backs IsKnown without an init-time map allocation per call.
var knownKinds = map[Kind]struct{}{
	KindTaskRequest: {}, KindTaskResponse: {}, KindTaskProgress: {}, KindTaskCancel: {},
	KindHeartbeat: {}, KindAgentRegister: {}, KindAgentDeregister: {},
	KindCoordinationReq: {}, KindCoordinationReply: {}, KindConflictReport: {},
	KindRecoveryDirective: {}, KindStatusRequest: {}, KindStatusReply: {}, KindEmergencyAlert: {},
}

// IsKnown reports whether k is a recognized message kind; unknown kinds
// are dropped and logged by the bus rather than routed (§4.2).
func (k Kind) IsKnown() bool {
	_, ok := knownKinds[k]
	return ok
}

// Envelope is a message plus its routing and correlation metadata (GLOSSARY).
type Envelope struct {
	ID            string
	Sender        string
	Recipient     string // agent ID or topic name
	Kind          Kind
	CorrelationID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Payload       Payload
	Priority      Priority
	RetryCount    int
}

// Expired reports whether the envelope's deadline has passed as of now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
