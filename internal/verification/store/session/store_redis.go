package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"kycbridge/internal/verification"
	"kycbridge/pkg/platform/sentinel"
)

const sessionKeyPrefix = "verification:session:"

// RedisStore is a Redis-backed session store for distributed deployments
// where webhook and polling instances share state. Records carry no TTL:
// sessions are retained for audit.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed session store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(subjectID string) string {
	return sessionKeyPrefix + subjectID
}

func (s *RedisStore) Get(ctx context.Context, subjectID string) (*verification.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("verification session for subject %q: %w", subjectID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verification session: %w", err)
	}

	var sess verification.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode verification session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *verification.Session) error {
	if sess == nil || sess.SubjectID == "" {
		return fmt.Errorf("session with subject ID is required")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode verification session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.SubjectID), data, 0).Err(); err != nil {
		return fmt.Errorf("save verification session: %w", err)
	}
	return nil
}
