package testutil

import (
	"context"
	"net/http"

	"kycbridge/internal/platform/middleware"
)

// WithUserID adds an authenticated user ID to the request context,
// simulating what the auth middleware does for a valid bearer token.
func WithUserID(req *http.Request, userID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyUserID, userID)
	return req.WithContext(ctx)
}

// WithAuth adds both user ID and session ID to the request context.
// Empty values are skipped.
func WithAuth(req *http.Request, userID, sessionID string) *http.Request {
	ctx := req.Context()
	if userID != "" {
		ctx = context.WithValue(ctx, middleware.ContextKeyUserID, userID)
	}
	if sessionID != "" {
		ctx = context.WithValue(ctx, middleware.ContextKeySessionID, sessionID)
	}
	return req.WithContext(ctx)
}
