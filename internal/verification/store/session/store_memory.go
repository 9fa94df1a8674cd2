// Package session persists one verification record per subject. All
// implementations share the same contract: Get returns ErrNotFound for
// unknown subjects, Save is a last-write-wins upsert keyed by subject ID.
package session

import (
	"context"
	"fmt"
	"sync"

	"kycbridge/internal/verification"
	"kycbridge/pkg/platform/sentinel"
)

// InMemory stores verification sessions in memory for tests/dev.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*verification.Session
}

// NewInMemory constructs an empty in-memory session store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*verification.Session)}
}

func (s *InMemory) Get(_ context.Context, subjectID string) (*verification.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[subjectID]; ok {
		copied := *sess
		return &copied, nil
	}
	return nil, fmt.Errorf("verification session for subject %q: %w", subjectID, sentinel.ErrNotFound)
}

func (s *InMemory) Save(_ context.Context, sess *verification.Session) error {
	if sess == nil || sess.SubjectID == "" {
		return fmt.Errorf("session with subject ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sessions[sess.SubjectID] = &copied
	return nil
}
