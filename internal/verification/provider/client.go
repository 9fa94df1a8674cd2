// Package provider wraps the identity-verification vendor API: session
// creation and decision retrieval. Transport failures surface as sentinel
// errors; the service layer decides whether they are fatal or advisory.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"kycbridge/internal/platform/config"
	"kycbridge/pkg/platform/circuit"
	"kycbridge/pkg/platform/sentinel"
)

// CreateSessionResult carries the provider session handle and the
// subject-facing verification URL. URL may be empty when the provider
// responds 201 without one; callers must handle that explicitly.
type CreateSessionResult struct {
	SessionID string
	URL       string
}

// Decision is a raw decision body plus its decoded form for field
// extraction.
type Decision struct {
	Raw     json.RawMessage
	Payload map[string]any
}

// Client calls the verification provider over HTTP with bounded timeouts
// and idempotent-safe retries.
type Client struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	workflowID string
	logger     *slog.Logger

	// breaker guards the decision endpoint. Polls run every few seconds,
	// so a down provider fails fast instead of burning retries each tick.
	// While open, one probe per probeInterval is let through to recover.
	breaker *circuit.Breaker

	mu        sync.Mutex
	nextProbe time.Time
}

const probeInterval = 30 * time.Second

// New builds a provider client from configuration. Requests are retried on
// transient transport failures; the overall attempt is bounded by
// cfg.Timeout.
func New(cfg config.Provider, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.Timeout

	return &Client{
		http:       rc.StandardClient(),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		workflowID: cfg.WorkflowID,
		logger:     logger,
		breaker:    circuit.New("verification-provider"),
	}
}

type createSessionRequest struct {
	WorkflowID string `json:"workflow_id"`
	VendorData string `json:"vendor_data"`
}

type createSessionResponse struct {
	SessionID       string `json:"session_id"`
	ID              string `json:"id"`
	URL             string `json:"url"`
	VerificationURL string `json:"verification_url"`
}

// CreateSession opens a remote verification session. vendorData is the
// correlation value the provider round-trips on every webhook; it must be
// the subject ID, unchanged.
func (c *Client) CreateSession(ctx context.Context, vendorData string) (*CreateSessionResult, error) {
	body, err := json.Marshal(createSessionRequest{
		WorkflowID: c.workflowID,
		VendorData: vendorData,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/session/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		c.logger.ErrorContext(ctx, "provider session creation failed",
			"status_code", resp.StatusCode,
			"body_length", len(respBody),
		)
		return nil, fmt.Errorf("create session: provider returned %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}

	var parsed createSessionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}

	result := &CreateSessionResult{
		SessionID: parsed.SessionID,
		URL:       parsed.URL,
	}
	if result.SessionID == "" {
		result.SessionID = parsed.ID
	}
	if result.URL == "" {
		result.URL = parsed.VerificationURL
	}
	return result, nil
}

// GetDecision retrieves the current decision for a provider session. With
// the circuit open the call fails immediately without touching the network;
// a later successful probe closes it again.
func (c *Client) GetDecision(ctx context.Context, sessionID string) (*Decision, error) {
	if c.breaker.IsOpen() && !c.probeDue() {
		return nil, fmt.Errorf("get decision: provider circuit open: %w", sentinel.ErrUnavailable)
	}

	url := fmt.Sprintf("%s/v2/session/%s/decision/", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build decision request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return nil, fmt.Errorf("get decision: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read decision response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WarnContext(ctx, "provider decision retrieval failed",
			"status_code", resp.StatusCode,
			"provider_session_id", sessionID,
			"body_length", len(respBody),
		)
		if resp.StatusCode >= http.StatusInternalServerError {
			c.recordFailure(ctx)
		}
		return nil, fmt.Errorf("get decision: provider returned %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}

	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "provider circuit closed", "breaker", c.breaker.Name())
	}

	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("decode decision response: %w", err)
	}

	return &Decision{Raw: respBody, Payload: payload}, nil
}

func (c *Client) probeDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Before(c.nextProbe) {
		return false
	}
	c.nextProbe = now.Add(probeInterval)
	return true
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "provider circuit opened", "breaker", c.breaker.Name())
	}
}
