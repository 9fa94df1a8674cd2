package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kycbridge/internal/verification"
	"kycbridge/pkg/platform/sentinel"
)

// PostgresStore persists verification sessions in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE verification_sessions (
//	    subject_id          TEXT PRIMARY KEY,
//	    provider_session_id TEXT NOT NULL DEFAULT '',
//	    status              TEXT NOT NULL,
//	    started_at          TIMESTAMPTZ,
//	    completed_at        TIMESTAMPTZ,
//	    raw_payload         JSONB,
//	    full_name           TEXT NOT NULL DEFAULT '',
//	    updated_at          TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, subjectID string) (*verification.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject_id, provider_session_id, status, started_at, completed_at, raw_payload, full_name, updated_at
		FROM verification_sessions
		WHERE subject_id = $1`, subjectID)

	var (
		sess        verification.Session
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		rawPayload  []byte
		fullName    string
	)
	err := row.Scan(&sess.SubjectID, &sess.ProviderSessionID, &status, &startedAt, &completedAt, &rawPayload, &fullName, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification session for subject %q: %w", subjectID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verification session: %w", err)
	}

	sess.Status = verification.Status(status)
	if startedAt.Valid {
		sess.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = completedAt.Time
	}
	sess.RawPayload = rawPayload
	if fullName != "" {
		sess.ExtractedIdentity = &verification.Identity{FullName: fullName}
	}
	return &sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *verification.Session) error {
	if sess == nil || sess.SubjectID == "" {
		return fmt.Errorf("session with subject ID is required")
	}

	var fullName string
	if sess.ExtractedIdentity != nil {
		fullName = sess.ExtractedIdentity.FullName
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_sessions
			(subject_id, provider_session_id, status, started_at, completed_at, raw_payload, full_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id) DO UPDATE SET
			provider_session_id = EXCLUDED.provider_session_id,
			status              = EXCLUDED.status,
			started_at          = EXCLUDED.started_at,
			completed_at        = EXCLUDED.completed_at,
			raw_payload         = EXCLUDED.raw_payload,
			full_name           = EXCLUDED.full_name,
			updated_at          = EXCLUDED.updated_at`,
		sess.SubjectID,
		sess.ProviderSessionID,
		string(sess.Status),
		nullTime(sess.StartedAt),
		nullTime(sess.CompletedAt),
		nullBytes(sess.RawPayload),
		fullName,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save verification session: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
