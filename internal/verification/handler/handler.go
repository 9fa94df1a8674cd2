// Package handler wires verification endpoints to the verification service.
// Authenticated subject-facing routes and the unauthenticated provider
// webhook are registered separately so the router can apply different
// middleware chains.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kycbridge/internal/platform/middleware"
	"kycbridge/internal/verification"
	"kycbridge/internal/verification/service"
	dErrors "kycbridge/pkg/domain-errors"
	"kycbridge/pkg/platform/httputil"
)

// Provider webhook signature headers.
const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
)

// maxWebhookBody bounds webhook payloads; provider decision bodies are a few
// kilobytes at most.
const maxWebhookBody = 1 << 20

// defaultAwaitTimeout bounds how long the await endpoint holds a request
// open before answering with the current non-terminal status.
const defaultAwaitTimeout = 60 * time.Second

// Service defines the verification operations the handler depends on.
type Service interface {
	StartSession(ctx context.Context, subjectID, userAgent string) (*service.StartResult, error)
	HandleWebhook(ctx context.Context, rawBody []byte, signature, timestamp string) (*service.WebhookResult, error)
	FetchDecision(ctx context.Context, subjectID string) (*service.DecisionResult, error)
	GetSession(ctx context.Context, subjectID string) (*verification.Session, error)
}

// Reconciler watches pending sessions until they settle.
type Reconciler interface {
	Watch(ctx context.Context, subjectID string) *service.Watch
	CheckNow(ctx context.Context, subjectID string) (*service.DecisionResult, error)
}

// Handler exposes the verification HTTP surface.
type Handler struct {
	service      Service
	reconciler   Reconciler
	logger       *slog.Logger
	awaitTimeout time.Duration
}

// New constructs a verification handler with its dependencies.
func New(svc Service, reconciler Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		service:      svc,
		reconciler:   reconciler,
		logger:       logger,
		awaitTimeout: defaultAwaitTimeout,
	}
}

// Register mounts the authenticated verification endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verification/session", h.HandleStartSession)
	r.Get("/verification/session", h.HandleGetSession)
	r.Get("/verification/decision", h.HandleGetDecision)
	r.Get("/verification/decision/wait", h.HandleAwaitDecision)
	r.Post("/verification/decision/check", h.HandleCheckDecision)
}

// RegisterWebhook mounts the provider webhook endpoint. The route must sit
// outside the auth and content-type middleware: the provider signs raw bytes
// and sends no bearer token.
func (h *Handler) RegisterWebhook(r chi.Router) {
	r.Post("/webhooks/verification", h.HandleWebhook)
}

// HandleStartSession handles POST /verification/session.
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	start := time.Now()

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[StartSessionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.UserID != userID {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "cannot start verification for another user"))
		return
	}

	result, err := h.service.StartSession(ctx, userID, r.UserAgent())
	if err != nil {
		h.logger.ErrorContext(ctx, "verification session start failed",
			"request_id", requestID,
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "verification session started",
		"request_id", requestID,
		"user_id", userID,
		"provider_session_id", result.SessionID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, FromStartResult(result))
}

// HandleGetSession handles GET /verification/session.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	sess, err := h.service.GetSession(ctx, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(sess))
}

// HandleGetDecision handles GET /verification/decision. It polls the
// provider when the stored session is still pending.
func (h *Handler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	userID := middleware.GetUserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	result, err := h.service.FetchDecision(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "decision fetch failed",
			"request_id", requestID,
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDecision(userID, result))
}

// HandleAwaitDecision handles GET /verification/decision/wait. It holds the
// request open until the session settles or the wait window elapses, then
// answers with whatever status is current.
func (h *Handler) HandleAwaitDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	result, err := h.service.FetchDecision(ctx, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if result.Status.Terminal() {
		httputil.WriteJSON(w, http.StatusOK, FromDecision(userID, result))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.awaitTimeout)
	defer cancel()
	watch := h.reconciler.Watch(waitCtx, userID)
	defer watch.Stop()

	select {
	case status := <-watch.Done():
		httputil.WriteJSON(w, http.StatusOK, DecisionResponse{UserID: userID, Status: string(status)})
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			httputil.WriteJSON(w, http.StatusOK, DecisionResponse{
				UserID: userID,
				Status: string(verification.StatusInProgress),
				Reason: "decision still pending",
			})
			return
		}
		// Client went away; nothing useful to write.
	}
}

// HandleCheckDecision handles POST /verification/decision/check, a
// force-refresh that always consults the provider.
func (h *Handler) HandleCheckDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	result, err := h.reconciler.CheckNow(ctx, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDecision(userID, result))
}

// HandleWebhook handles POST /webhooks/verification. The body is read raw
// before any decoding: the provider signature covers the exact bytes sent.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "failed to read request body"))
		return
	}

	result, err := h.service.HandleWebhook(ctx, body, r.Header.Get(headerSignature), r.Header.Get(headerTimestamp))
	if err != nil {
		h.logger.WarnContext(ctx, "webhook rejected",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook processed",
		"request_id", requestID,
		"user_id", result.SubjectID,
		"status", string(result.Status),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, WebhookAck{UserID: result.SubjectID, Status: string(result.Status)})
}
