package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kycbridge/internal/audit"
	"kycbridge/internal/verification"
	"kycbridge/internal/verification/provider"
	"kycbridge/internal/verification/store/session"
	dErrors "kycbridge/pkg/domain-errors"
	"kycbridge/pkg/testutil"
)

const testSecret = "whsec_test_secret"

var testNow = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	createResult *provider.CreateSessionResult
	createErr    error
	decision     map[string]any
	decisionErr  error

	createCalls    int
	decisionCalls  int
	lastVendorData string
}

func (f *fakeProvider) CreateSession(_ context.Context, vendorData string) (*provider.CreateSessionResult, error) {
	f.createCalls++
	f.lastVendorData = vendorData
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeProvider) GetDecision(context.Context, string) (*provider.Decision, error) {
	f.decisionCalls++
	if f.decisionErr != nil {
		return nil, f.decisionErr
	}
	raw, _ := json.Marshal(f.decision)
	return &provider.Decision{Raw: raw, Payload: f.decision}, nil
}

type fixture struct {
	svc      *Service
	store    *session.InMemory
	provider *fakeProvider
	audits   *audit.InMemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := session.NewInMemory()
	prov := &fakeProvider{
		createResult: &provider.CreateSessionResult{
			SessionID: "sess-123",
			URL:       "https://verify.example/session/sess-123",
		},
	}
	audits := audit.NewInMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	publisher := audit.NewPublisher(audits, logger)

	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithAuditPublisher(publisher),
	}, opts...)
	svc := NewService(store, prov, []byte(testSecret), logger, opts...)
	return &fixture{svc: svc, store: store, provider: prov, audits: audits}
}

func signBody(body []byte) (sig, ts string) {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), strconv.FormatInt(testNow.Unix(), 10)
}

func webhookBody(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func (f *fixture) auditActions(t *testing.T, subjectID string) []audit.Action {
	t.Helper()
	events, err := f.audits.ListBySubject(context.Background(), subjectID)
	require.NoError(t, err)
	actions := make([]audit.Action, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestStartSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates provider session and persists in-progress record", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.svc.StartSession(ctx, "u1", "Mozilla/5.0")
		require.NoError(t, err)
		assert.Equal(t, "sess-123", res.SessionID)
		assert.Equal(t, "https://verify.example/session/sess-123", res.URL)
		assert.False(t, res.Fallback)
		assert.Equal(t, "u1", f.provider.lastVendorData)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
		assert.Equal(t, "sess-123", sess.ProviderSessionID)
		assert.Equal(t, testNow, sess.StartedAt)
		assert.True(t, sess.CompletedAt.IsZero())
	})

	t.Run("flags fallback when provider omits verification URL", func(t *testing.T) {
		f := newFixture(t)
		f.provider.createResult = &provider.CreateSessionResult{SessionID: "sess-456"}

		res, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		assert.True(t, res.Fallback)
		assert.Empty(t, res.URL)

		// The record is still persisted; the decision can arrive via webhook.
		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
	})

	t.Run("supersedes an in-progress session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)

		f.provider.createResult = &provider.CreateSessionResult{SessionID: "sess-789", URL: "https://verify.example/session/sess-789"}
		_, err = f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "sess-789", sess.ProviderSessionID)
		assert.Contains(t, f.auditActions(t, "u1"), audit.ActionSessionSuperseded)
	})

	t.Run("upstream failure surfaces as upstream error and persists nothing", func(t *testing.T) {
		f := newFixture(t)
		f.provider.createErr = errors.New("503 from provider")

		_, err := f.svc.StartSession(ctx, "u1", "")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUpstream))

		_, err = f.store.Get(ctx, "u1")
		require.Error(t, err)
	})

	t.Run("rejects empty subject", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "", "")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()

	startSession := func(t *testing.T, f *fixture, subjectID string) {
		t.Helper()
		_, err := f.svc.StartSession(ctx, subjectID, "")
		require.NoError(t, err)
	}

	t.Run("approved decision completes the session", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")

		body := webhookBody(t, map[string]any{
			"vendor_data": "u1",
			"status":      "Approved",
			"user":        map[string]any{"full_name": "Ada Lovelace"},
		})
		sig, ts := signBody(body)

		res, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		require.NoError(t, err)
		assert.Equal(t, "u1", res.SubjectID)
		assert.Equal(t, verification.StatusApproved, res.Status)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusApproved, sess.Status)
		assert.Equal(t, testNow, sess.CompletedAt)
		assert.JSONEq(t, string(body), string(sess.RawPayload))
		require.NotNil(t, sess.ExtractedIdentity)
		assert.Equal(t, "Ada Lovelace", sess.ExtractedIdentity.FullName)
		assert.Contains(t, f.auditActions(t, "u1"), audit.ActionStatusTransition)
	})

	t.Run("missing headers are unauthorized", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})

		_, err := f.svc.HandleWebhook(ctx, body, "", "")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("valid signature without a timestamp is unauthorized", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, _ := signBody(body)

		_, err := f.svc.HandleWebhook(ctx, body, sig, "")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

		// A correctly signed body must not be accepted without the replay
		// guard: the record stays untouched.
		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
		assert.Empty(t, sess.RawPayload)
	})

	t.Run("stale timestamp is unauthorized", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, _ := signBody(body)
		stale := strconv.FormatInt(testNow.Add(-10*time.Minute).Unix(), 10)

		_, err := f.svc.HandleWebhook(ctx, body, sig, stale)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("tampered body is forbidden and leaves the record untouched", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, ts := signBody(body)
		tampered := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Declined"})

		_, err := f.svc.HandleWebhook(ctx, tampered, sig, ts)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
	})

	t.Run("missing vendor_data is a bad request", func(t *testing.T) {
		f := newFixture(t)
		body := webhookBody(t, map[string]any{"status": "Approved"})
		sig, ts := signBody(body)

		_, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("unknown subject is not found", func(t *testing.T) {
		f := newFixture(t)
		body := webhookBody(t, map[string]any{"vendor_data": "ghost", "status": "Approved"})
		sig, ts := signBody(body)

		_, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("missing secret is a configuration error", func(t *testing.T) {
		store := session.NewInMemory()
		svc := NewService(store, &fakeProvider{}, nil, slog.New(slog.DiscardHandler))
		body := []byte(`{"vendor_data":"u1","status":"Approved"}`)

		_, err := svc.HandleWebhook(ctx, body, "deadbeef", "0")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConfig))
	})

	t.Run("redelivery of the same terminal decision is a no-op", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, ts := signBody(body)

		_, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		require.NoError(t, err)
		first, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)

		res, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		require.NoError(t, err)
		assert.Equal(t, verification.StatusApproved, res.Status)

		second, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, first.CompletedAt, second.CompletedAt)

		// Only one transition in the trail.
		transitions := 0
		for _, a := range f.auditActions(t, "u1") {
			if a == audit.ActionStatusTransition {
				transitions++
			}
		}
		assert.Equal(t, 1, transitions)
	})

	t.Run("conflicting terminal decision overwrites with an anomaly trail", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")

		approved := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, ts := signBody(approved)
		_, err := f.svc.HandleWebhook(ctx, approved, sig, ts)
		require.NoError(t, err)

		declined := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Declined"})
		sig, ts = signBody(declined)
		res, err := f.svc.HandleWebhook(ctx, declined, sig, ts)
		require.NoError(t, err)
		assert.Equal(t, verification.StatusRejected, res.Status)

		assert.Contains(t, f.auditActions(t, "u1"), audit.ActionTerminalOverwrite)
	})

	t.Run("non-terminal delivery persists status and raw payload", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")

		body := webhookBody(t, map[string]any{
			"vendor_data": "u1",
			"status":      "processing_step_2",
			"user":        map[string]any{"full_name": "Ada Lovelace"},
		})
		sig, ts := signBody(body)

		res, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, res.Status)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
		assert.JSONEq(t, string(body), string(sess.RawPayload))
		assert.True(t, sess.CompletedAt.IsZero())
		require.NotNil(t, sess.ExtractedIdentity)
		assert.Equal(t, "Ada Lovelace", sess.ExtractedIdentity.FullName)
	})

	t.Run("non-terminal status never downgrades a terminal record", func(t *testing.T) {
		f := newFixture(t)
		startSession(t, f, "u1")

		approved := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, ts := signBody(approved)
		_, err := f.svc.HandleWebhook(ctx, approved, sig, ts)
		require.NoError(t, err)

		retry := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "retry"})
		sig, ts = signBody(retry)
		res, err := f.svc.HandleWebhook(ctx, retry, sig, ts)
		require.NoError(t, err)
		// The delivery is acknowledged with its own mapped status while
		// the settled record keeps the terminal decision and its payload.
		assert.Equal(t, verification.StatusInProgress, res.Status)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusApproved, sess.Status)
		assert.JSONEq(t, string(approved), string(sess.RawPayload))
	})
}

func TestFetchDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("no session degrades to in-progress without error", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.svc.FetchDecision(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, res.Status)
		assert.NotEmpty(t, res.Reason)
		assert.Zero(t, f.provider.decisionCalls)
	})

	t.Run("provider failure degrades to in-progress without error", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		f.provider.decisionErr = errors.New("connection refused")

		res, err := f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, res.Status)
		assert.NotEmpty(t, res.Reason)
	})

	t.Run("terminal decision is applied through the shared routine", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		f.provider.decision = map[string]any{
			"status": "Declined",
			"data":   map[string]any{"name": "Grace Hopper"},
		}

		res, err := f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusRejected, res.Status)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusRejected, sess.Status)
		require.NotNil(t, sess.ExtractedIdentity)
		assert.Equal(t, "Grace Hopper", sess.ExtractedIdentity.FullName)
	})

	t.Run("non-terminal provider answer stays in-progress", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		f.provider.decision = map[string]any{"status": "processing"}

		res, err := f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, res.Status)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusInProgress, sess.Status)
	})

	t.Run("terminal record short-circuits without a provider call", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		f.provider.decision = map[string]any{"status": "Approved"}
		_, err = f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		calls := f.provider.decisionCalls

		res, err := f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusApproved, res.Status)
		assert.Equal(t, calls, f.provider.decisionCalls)
	})

	t.Run("falls back to the profile directory for the display name", func(t *testing.T) {
		f := newFixture(t, WithProfileDirectory(staticDirectory{"u1": "Margaret Hamilton"}))
		_, err := f.svc.StartSession(ctx, "u1", "")
		require.NoError(t, err)
		f.provider.decision = map[string]any{"status": "Approved"}

		_, err = f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)

		sess, err := f.store.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, sess.ExtractedIdentity)
		assert.Equal(t, "Margaret Hamilton", sess.ExtractedIdentity.FullName)
	})
}

// The webhook and poll paths share one update routine, so a decision landing
// over both channels must settle to the same record regardless of which
// channel got there first.
func TestDecisionChannelOrdering(t *testing.T) {
	ctx := context.Background()
	payload := map[string]any{
		"vendor_data": "u1",
		"status":      "Declined",
		"user":        map[string]any{"full_name": "Ada Lovelace"},
	}

	webhookFirst := newFixture(t)
	_, err := webhookFirst.svc.StartSession(ctx, "u1", "")
	require.NoError(t, err)
	webhookFirst.provider.decision = payload

	body := webhookBody(t, payload)
	sig, ts := signBody(body)
	_, err = webhookFirst.svc.HandleWebhook(ctx, body, sig, ts)
	require.NoError(t, err)
	_, err = webhookFirst.svc.FetchDecision(ctx, "u1")
	require.NoError(t, err)

	pollFirst := newFixture(t)
	_, err = pollFirst.svc.StartSession(ctx, "u1", "")
	require.NoError(t, err)
	pollFirst.provider.decision = payload

	_, err = pollFirst.svc.FetchDecision(ctx, "u1")
	require.NoError(t, err)
	res, err := pollFirst.svc.HandleWebhook(ctx, body, sig, ts)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusRejected, res.Status)

	a, err := webhookFirst.store.Get(ctx, "u1")
	require.NoError(t, err)
	b, err := pollFirst.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Either order produces exactly one recorded transition.
	for _, f := range []*fixture{webhookFirst, pollFirst} {
		transitions := 0
		for _, action := range f.auditActions(t, "u1") {
			if action == audit.ActionStatusTransition {
				transitions++
			}
		}
		assert.Equal(t, 1, transitions)
	}
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayName(_ context.Context, subjectID string) (string, error) {
	return d[subjectID], nil
}

// TestVerificationLifecycle walks the full happy path the way a relying
// service would drive it.
func TestVerificationLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	testutil.Given(t, "a subject with a freshly started session", func(t *testing.T) {
		res, err := f.svc.StartSession(ctx, "u1", "Mozilla/5.0 (X11; Linux x86_64)")
		require.NoError(t, err)
		require.NotEmpty(t, res.URL)
	})

	testutil.When(t, "the provider delivers a signed approval webhook", func(t *testing.T) {
		body := webhookBody(t, map[string]any{"vendor_data": "u1", "status": "Approved"})
		sig, ts := signBody(body)
		res, err := f.svc.HandleWebhook(ctx, body, sig, ts)
		require.NoError(t, err)
		require.Equal(t, verification.StatusApproved, res.Status)
	})

	testutil.Then(t, "subsequent polls report the approval from the record", func(t *testing.T) {
		res, err := f.svc.FetchDecision(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, verification.StatusApproved, res.Status)
		assert.Zero(t, f.provider.decisionCalls)
	})
}
