package handler

import (
	"time"

	"kycbridge/internal/verification"
	"kycbridge/internal/verification/service"
)

// StartSessionResponse is the HTTP response for POST /verification/session.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url,omitempty"`
	// Fallback signals the provider returned no hosted URL and the client
	// must render its own verification entry point.
	Fallback bool `json:"fallback,omitempty"`
}

// FromStartResult converts a start result to an HTTP response.
func FromStartResult(result *service.StartResult) *StartSessionResponse {
	return &StartSessionResponse{
		SessionID: result.SessionID,
		URL:       result.URL,
		Fallback:  result.Fallback,
	}
}

// SessionResponse is the HTTP response for GET /verification/session.
type SessionResponse struct {
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	FullName    string    `json:"full_name,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// FromSession converts a stored session to an HTTP response.
func FromSession(sess *verification.Session) *SessionResponse {
	resp := &SessionResponse{
		UserID:      sess.SubjectID,
		Status:      string(sess.Status),
		StartedAt:   sess.StartedAt,
		CompletedAt: sess.CompletedAt,
	}
	if sess.ExtractedIdentity != nil {
		resp.FullName = sess.ExtractedIdentity.FullName
	}
	return resp
}

// DecisionResponse is the HTTP response for the decision endpoints.
type DecisionResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// FromDecision converts a decision result to an HTTP response.
func FromDecision(userID string, result *service.DecisionResult) *DecisionResponse {
	return &DecisionResponse{
		UserID: userID,
		Status: string(result.Status),
		Reason: result.Reason,
	}
}

// WebhookAck is the HTTP response for POST /webhooks/verification.
type WebhookAck struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}
