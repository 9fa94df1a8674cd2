package handler

import (
	"strings"

	dErrors "kycbridge/pkg/domain-errors"
)

// StartSessionRequest is the HTTP request body for POST /verification/session.
type StartSessionRequest struct {
	UserID string `json:"user_id"`
}

// Validate validates the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *StartSessionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "user_id is required")
	}
	if len(r.UserID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "user_id must be at most 128 characters")
	}
	return nil
}
