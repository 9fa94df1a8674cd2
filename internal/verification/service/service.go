// Package service orchestrates identity-verification sessions against the
// upstream provider: session initiation, webhook decisions, and decision polls
// all converge on one update routine so the persisted record stays consistent
// no matter which path reports first.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kycbridge/internal/audit"
	"kycbridge/internal/device"
	"kycbridge/internal/platform/middleware"
	"kycbridge/internal/verification"
	"kycbridge/internal/verification/metrics"
	"kycbridge/internal/verification/provider"
	"kycbridge/internal/verification/signature"
	dErrors "kycbridge/pkg/domain-errors"
	"kycbridge/pkg/platform/sentinel"
)

// SessionStore persists one verification session per subject.
type SessionStore interface {
	Get(ctx context.Context, subjectID string) (*verification.Session, error)
	Save(ctx context.Context, sess *verification.Session) error
}

// ProviderClient talks to the upstream verification provider.
type ProviderClient interface {
	CreateSession(ctx context.Context, vendorData string) (*provider.CreateSessionResult, error)
	GetDecision(ctx context.Context, sessionID string) (*provider.Decision, error)
}

// ProfileDirectory resolves a subject's display name when the provider
// decision payload carries none.
type ProfileDirectory interface {
	DisplayName(ctx context.Context, subjectID string) (string, error)
}

// AuditPublisher records session lifecycle events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service coordinates the verification session lifecycle.
type Service struct {
	store    SessionStore
	provider ProviderClient
	secret   []byte
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditor  AuditPublisher
	profiles ProfileDirectory
	now      func() time.Time
	tracer   trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithMetrics attaches verification metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAuditPublisher attaches an audit trail publisher.
func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

// WithProfileDirectory attaches a fallback source for subject display names.
func WithProfileDirectory(d ProfileDirectory) Option {
	return func(s *Service) { s.profiles = d }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs the verification service. webhookSecret authenticates
// inbound provider webhooks; an empty secret rejects all webhook deliveries
// with a configuration error rather than accepting them unsigned.
func NewService(store SessionStore, providerClient ProviderClient, webhookSecret []byte, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		provider: providerClient,
		secret:   webhookSecret,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer("kycbridge/verification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartResult is the outcome of initiating a provider session.
type StartResult struct {
	SessionID string
	URL       string
	// Fallback is set when the provider response carried no hosted
	// verification URL and the caller must render its own entry point.
	Fallback bool
}

// StartSession creates a new provider verification session for a subject and
// persists an in-progress record. An existing in-progress session is
// superseded: the provider may still deliver webhooks for the old session, but
// the record tracks the newest one.
func (s *Service) StartSession(ctx context.Context, subjectID, userAgent string) (*StartResult, error) {
	if subjectID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "subject ID is required")
	}

	ctx, span := s.tracer.Start(ctx, "verification.StartSession",
		trace.WithAttributes(attribute.String("subject_id", subjectID)))
	defer span.End()

	existing, err := s.store.Get(ctx, subjectID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification session")
	}
	if existing != nil && existing.Status == verification.StatusInProgress {
		s.logger.WarnContext(ctx, "superseding in-progress verification session",
			"subject_id", subjectID,
			"previous_provider_session_id", existing.ProviderSessionID)
		s.emitAudit(ctx, audit.Event{
			SubjectID: subjectID,
			Action:    audit.ActionSessionSuperseded,
			Status:    string(existing.Status),
			Source:    "api",
			Reason:    "new session requested while previous still in progress",
			RequestID: middleware.GetRequestID(ctx),
		})
	}

	start := s.now()
	created, err := s.provider.CreateSession(ctx, subjectID)
	s.metrics.ObserveProviderLatency("create_session", s.now().Sub(start))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "verification provider rejected session creation")
	}

	now := s.now()
	sess := verification.NewSession(subjectID)
	sess.ProviderSessionID = created.SessionID
	sess.Status = verification.StatusInProgress
	sess.StartedAt = now
	sess.UpdatedAt = now
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist verification session")
	}

	s.metrics.IncrementSessionsCreated()
	s.emitAudit(ctx, audit.Event{
		SubjectID: subjectID,
		Action:    audit.ActionSessionCreated,
		Status:    string(sess.Status),
		Source:    "api",
		RequestID: middleware.GetRequestID(ctx),
	})

	result := &StartResult{
		SessionID: created.SessionID,
		URL:       created.URL,
		Fallback:  created.URL == "",
	}
	s.logger.InfoContext(ctx, "verification session started",
		"subject_id", subjectID,
		"display_name", s.displayName(ctx, subjectID),
		"provider_session_id", created.SessionID,
		"url_fallback", result.Fallback,
		"device", device.ParseUserAgent(userAgent))
	return result, nil
}

// WebhookResult is the acknowledged outcome of a webhook delivery.
type WebhookResult struct {
	SubjectID string
	Status    verification.Status
}

// HandleWebhook authenticates and applies a provider decision webhook. The
// signature covers rawBody byte-for-byte, so callers must pass the body
// exactly as read off the wire, before any JSON decoding.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader, timestampHeader string) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "verification.HandleWebhook")
	defer span.End()

	if len(s.secret) == 0 {
		s.logger.ErrorContext(ctx, "webhook received but no webhook secret configured")
		return nil, dErrors.New(dErrors.CodeConfig, "webhook secret not configured")
	}

	if err := signature.Verify(rawBody, signatureHeader, timestampHeader, s.secret, s.now()); err != nil {
		return nil, s.rejectWebhook(ctx, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		s.metrics.IncrementWebhookOutcome("bad_request")
		return nil, dErrors.New(dErrors.CodeBadRequest, "malformed webhook payload")
	}
	subjectID := verification.VendorData(payload)
	if subjectID == "" {
		s.metrics.IncrementWebhookOutcome("bad_request")
		return nil, dErrors.New(dErrors.CodeBadRequest, "vendor_data missing from webhook payload")
	}
	span.SetAttributes(attribute.String("subject_id", subjectID))

	sess, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		s.metrics.IncrementWebhookOutcome("not_found")
		return nil, dErrors.New(dErrors.CodeNotFound, "no verification session for subject")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification session")
	}

	status := verification.MapProviderStatus(verification.StatusToken(payload))
	if err := s.applyDecision(ctx, sess, status, rawBody, payload, "webhook"); err != nil {
		return nil, err
	}

	s.metrics.IncrementWebhookOutcome("accepted")
	// Acknowledge with the mapped status from this delivery; the stored
	// record may disagree when a late non-terminal delivery lands after a
	// terminal decision.
	return &WebhookResult{SubjectID: subjectID, Status: status}, nil
}

func (s *Service) rejectWebhook(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, signature.ErrMissingCredentials):
		s.metrics.IncrementWebhookOutcome("unauthorized")
		s.emitAudit(ctx, audit.Event{
			Action: audit.ActionWebhookRejected,
			Source: "webhook",
			Reason: "missing signature headers",
		})
		return dErrors.New(dErrors.CodeUnauthorized, "missing webhook signature headers")
	case errors.Is(err, signature.ErrReplayExpired):
		s.metrics.IncrementWebhookOutcome("unauthorized")
		s.emitAudit(ctx, audit.Event{
			Action: audit.ActionWebhookRejected,
			Source: "webhook",
			Reason: "timestamp outside replay window",
		})
		return dErrors.New(dErrors.CodeUnauthorized, "webhook timestamp outside allowed window")
	default:
		s.metrics.IncrementWebhookOutcome("forbidden")
		s.emitAudit(ctx, audit.Event{
			Action: audit.ActionWebhookRejected,
			Source: "webhook",
			Reason: "signature mismatch",
		})
		return dErrors.New(dErrors.CodeForbidden, "webhook signature mismatch")
	}
}

// DecisionResult is the outcome of a decision poll.
type DecisionResult struct {
	Status verification.Status
	Raw    json.RawMessage
	// Reason explains a degraded in-progress answer, e.g. an unreachable
	// provider. Empty on authoritative answers.
	Reason string
}

// FetchDecision polls the provider for a decision and applies any terminal
// status to the stored session. Upstream failures degrade to an in-progress
// answer rather than an error so callers keep polling.
func (s *Service) FetchDecision(ctx context.Context, subjectID string) (*DecisionResult, error) {
	start := s.now()
	defer func() { s.metrics.ObservePollLatency(s.now().Sub(start)) }()

	ctx, span := s.tracer.Start(ctx, "verification.FetchDecision",
		trace.WithAttributes(attribute.String("subject_id", subjectID)))
	defer span.End()

	sess, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return &DecisionResult{Status: verification.StatusInProgress, Reason: "no verification session for subject"}, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification session")
	}

	if sess.Status.Terminal() {
		return &DecisionResult{Status: sess.Status, Raw: sess.RawPayload}, nil
	}
	if sess.ProviderSessionID == "" {
		return &DecisionResult{Status: verification.StatusInProgress, Reason: "no provider session recorded"}, nil
	}

	callStart := s.now()
	dec, err := s.provider.GetDecision(ctx, sess.ProviderSessionID)
	s.metrics.ObserveProviderLatency("get_decision", s.now().Sub(callStart))
	if err != nil {
		s.logger.ErrorContext(ctx, "decision poll failed, degrading to in-progress",
			"subject_id", subjectID,
			"provider_session_id", sess.ProviderSessionID,
			"error", err)
		return &DecisionResult{Status: verification.StatusInProgress, Reason: "verification provider unavailable"}, nil
	}

	status := verification.MapProviderStatus(verification.StatusToken(dec.Payload))
	if !status.Terminal() {
		return &DecisionResult{Status: verification.StatusInProgress, Raw: dec.Raw}, nil
	}
	if err := s.applyDecision(ctx, sess, status, dec.Raw, dec.Payload, "poll"); err != nil {
		return nil, err
	}
	return &DecisionResult{Status: sess.Status, Raw: sess.RawPayload}, nil
}

// GetSession returns the stored verification record for a subject.
func (s *Service) GetSession(ctx context.Context, subjectID string) (*verification.Session, error) {
	sess, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no verification session for subject")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification session")
	}
	return sess, nil
}

// applyDecision is the single update routine shared by the webhook and poll
// paths. Non-terminal progress updates the stored status and raw payload,
// re-applying the same terminal status is a no-op, a non-terminal status
// never downgrades a terminal record, and a conflicting terminal status
// overwrites with an operator-visible anomaly trail.
func (s *Service) applyDecision(ctx context.Context, sess *verification.Session, status verification.Status, raw []byte, payload map[string]any, source string) error {
	if !status.Terminal() {
		if sess.Status.Terminal() {
			s.logger.InfoContext(ctx, "stale non-terminal decision ignored for settled session",
				"subject_id", sess.SubjectID,
				"stored_status", string(sess.Status),
				"source", source)
			return nil
		}
		sess.Status = status
		sess.UpdatedAt = s.now()
		sess.RawPayload = raw
		if name := verification.ExtractFullName(payload); name != "" {
			sess.ExtractedIdentity = &verification.Identity{FullName: name}
		}
		if err := s.store.Save(ctx, sess); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist verification progress")
		}
		s.logger.InfoContext(ctx, "verification progress recorded",
			"subject_id", sess.SubjectID, "status", string(status), "source", source)
		return nil
	}
	if sess.Status == status {
		s.logger.InfoContext(ctx, "decision already applied",
			"subject_id", sess.SubjectID, "status", string(status), "source", source)
		return nil
	}

	prev := sess.Status
	if prev.Terminal() {
		s.logger.WarnContext(ctx, "conflicting terminal decision overwrites prior status",
			"subject_id", sess.SubjectID,
			"previous_status", string(prev),
			"status", string(status),
			"source", source)
		s.metrics.IncrementTerminalOverwrite()
		s.emitAudit(ctx, audit.Event{
			SubjectID:      sess.SubjectID,
			Action:         audit.ActionTerminalOverwrite,
			Status:         string(status),
			PreviousStatus: string(prev),
			Source:         source,
			RequestID:      middleware.GetRequestID(ctx),
		})
	}

	now := s.now()
	sess.Status = status
	sess.CompletedAt = now
	sess.UpdatedAt = now
	sess.RawPayload = raw
	if name := s.resolveFullName(ctx, sess.SubjectID, payload); name != "" {
		sess.ExtractedIdentity = &verification.Identity{FullName: name}
	}

	if err := s.store.Save(ctx, sess); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist verification decision")
	}

	s.metrics.IncrementTerminalTransition(string(status))
	s.emitAudit(ctx, audit.Event{
		SubjectID:      sess.SubjectID,
		Action:         audit.ActionStatusTransition,
		Status:         string(status),
		PreviousStatus: string(prev),
		Source:         source,
		RequestID:      middleware.GetRequestID(ctx),
	})
	s.logger.InfoContext(ctx, "verification decision applied",
		"subject_id", sess.SubjectID,
		"status", string(status),
		"previous_status", string(prev),
		"source", source)
	return nil
}

func (s *Service) resolveFullName(ctx context.Context, subjectID string, payload map[string]any) string {
	if name := verification.ExtractFullName(payload); name != "" {
		return name
	}
	return s.displayName(ctx, subjectID)
}

// displayName is telemetry only; a missing directory or failed lookup is
// never fatal.
func (s *Service) displayName(ctx context.Context, subjectID string) string {
	if s.profiles == nil {
		return ""
	}
	name, err := s.profiles.DisplayName(ctx, subjectID)
	if err != nil {
		s.logger.WarnContext(ctx, "profile directory lookup failed",
			"subject_id", subjectID, "error", err)
		return ""
	}
	return name
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"action", string(event.Action), "subject_id", event.SubjectID, "error", err)
	}
}
