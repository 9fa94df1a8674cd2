//go:build integration

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kycbridge/internal/verification"
	"kycbridge/pkg/platform/sentinel"
	"kycbridge/pkg/testutil/containers"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS verification_sessions (
    subject_id          TEXT PRIMARY KEY,
    provider_session_id TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    started_at          TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    raw_payload         JSONB,
    full_name           TEXT NOT NULL DEFAULT '',
    updated_at          TIMESTAMPTZ NOT NULL
)`

func TestPostgresStore_Integration(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	_, err := pg.DB.ExecContext(ctx, createSessionsTable)
	require.NoError(t, err)

	store := NewPostgres(pg.DB)

	t.Run("get unknown subject returns not found", func(t *testing.T) {
		_, err := store.Get(ctx, "missing-subject")
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("save and get round-trip", func(t *testing.T) {
		started := time.Now().UTC().Truncate(time.Millisecond)
		sess := verification.NewSession("subject-1")
		sess.ProviderSessionID = "provider-abc"
		sess.Status = verification.StatusInProgress
		sess.StartedAt = started
		sess.UpdatedAt = started
		require.NoError(t, store.Save(ctx, sess))

		got, err := store.Get(ctx, "subject-1")
		require.NoError(t, err)
		require.Equal(t, "subject-1", got.SubjectID)
		require.Equal(t, "provider-abc", got.ProviderSessionID)
		require.Equal(t, verification.StatusInProgress, got.Status)
		require.WithinDuration(t, started, got.StartedAt, time.Millisecond)
		require.True(t, got.CompletedAt.IsZero())
		require.Nil(t, got.ExtractedIdentity)
	})

	t.Run("upsert overwrites existing record", func(t *testing.T) {
		completed := time.Now().UTC().Truncate(time.Millisecond)
		sess := &verification.Session{
			SubjectID:         "subject-1",
			ProviderSessionID: "provider-abc",
			Status:            verification.StatusApproved,
			StartedAt:         completed.Add(-time.Minute),
			CompletedAt:       completed,
			RawPayload:        []byte(`{"status":"Approved"}`),
			ExtractedIdentity: &verification.Identity{FullName: "Ada Lovelace"},
			UpdatedAt:         completed,
		}
		require.NoError(t, store.Save(ctx, sess))

		got, err := store.Get(ctx, "subject-1")
		require.NoError(t, err)
		require.Equal(t, verification.StatusApproved, got.Status)
		require.WithinDuration(t, completed, got.CompletedAt, time.Millisecond)
		require.JSONEq(t, `{"status":"Approved"}`, string(got.RawPayload))
		require.NotNil(t, got.ExtractedIdentity)
		require.Equal(t, "Ada Lovelace", got.ExtractedIdentity.FullName)
	})
}
