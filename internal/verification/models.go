// Package verification holds the domain model for third-party
// identity-verification sessions: the canonical status vocabulary, the
// provider status mapping, and the session record persisted per subject.
package verification

import (
	"encoding/json"
	"time"
)

// Status is the canonical verification state. Approved, rejected, and review
// are terminal: review hands off to a manual process outside this service.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusReview     Status = "review"
)

// Terminal reports whether no further automated transition happens from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusReview:
		return true
	default:
		return false
	}
}

// Identity holds fields extracted from a provider decision payload.
type Identity struct {
	FullName string `json:"full_name"`
}

// Session is the verification record for one subject. Exactly one session
// exists per subject; the store is keyed by SubjectID with last-write-wins
// semantics. The record is never hard-deleted, it is retained for audit.
type Session struct {
	SubjectID         string          `json:"subject_id"`
	ProviderSessionID string          `json:"provider_session_id,omitempty"`
	Status            Status          `json:"status"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
	CompletedAt       time.Time       `json:"completed_at,omitzero"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	ExtractedIdentity *Identity       `json:"extracted_identity,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at,omitzero"`
}

// NewSession returns a fresh not-started record for a subject.
func NewSession(subjectID string) *Session {
	return &Session{
		SubjectID: subjectID,
		Status:    StatusNotStarted,
	}
}
