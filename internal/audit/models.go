package audit

import "time"

// Action identifies what happened to a verification session.
type Action string

const (
	ActionSessionCreated    Action = "verification_session_created"
	ActionSessionSuperseded Action = "verification_session_superseded"
	ActionStatusTransition  Action = "verification_status_transition"
	ActionTerminalOverwrite Action = "verification_terminal_overwrite"
	ActionWebhookRejected   Action = "verification_webhook_rejected"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	SubjectID      string    `json:"subject_id"`
	Action         Action    `json:"action"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Source         string    `json:"source,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
}
