// ABOUTME: Workflow engine client interface and HTTP implementation
// ABOUTME: Signals durable workflow instances and maps transport failures to gateway errors

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/weave-gateway/internal/envelope"
)

// Client delivers an envelope to a workflow instance, creating the
// instance if it does not exist.
type Client interface {
	Signal(ctx context.Context, env *envelope.Envelope) error
}

// SignalRequest is the JSON body sent to the engine.
type SignalRequest struct {
	RequestID     string          `json:"request_id"`
	TenantID      string          `json:"tenant_id"`
	WorkflowID    string          `json:"workflow_id"`
	ParticipantID string          `json:"participant_id"`
	Scope         string          `json:"scope,omitempty"`
	Kind          string          `json:"kind"`
	Text          string          `json:"text,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Origin        string          `json:"origin,omitempty"`
}

// HTTPClient signals workflows over HTTP:
// POST {base}/v1/workflows/{workflow_id}/signal
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an engine client. token, if set, is sent as the
// X-Engine-Token header; the caller's own credential is forwarded as
// Authorization.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "engine"),
	}
}

// Signal posts the envelope to the engine.
func (c *HTTPClient) Signal(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(SignalRequest{
		RequestID:     env.RequestID,
		TenantID:      env.TenantID,
		WorkflowID:    env.WorkflowID,
		ParticipantID: env.ParticipantID,
		Scope:         env.Scope,
		Kind:          string(env.Kind),
		Text:          env.Text,
		Data:          env.Data,
		Origin:        env.Origin,
	})
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	endpoint := c.baseURL + "/v1/workflows/" + url.PathEscape(env.WorkflowID) + "/signal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.Authorization != "" {
		req.Header.Set("Authorization", env.Authorization)
	}
	if c.token != "" {
		req.Header.Set("X-Engine-Token", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: signalling workflow: %v", envelope.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("workflow signalled", "workflow_id", env.WorkflowID, "request_id", env.RequestID)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return statusError(resp.StatusCode, strings.TrimSpace(string(detail)))
}

// statusError maps an engine response status to the gateway error taxonomy.
func statusError(status int, detail string) error {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: engine rejected message (%d): %s", envelope.ErrValidation, status, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: engine refused credentials (%d)", envelope.ErrAccessDenied, status)
	default:
		return fmt.Errorf("%w: engine returned %d: %s", envelope.ErrUpstreamUnavailable, status, detail)
	}
}
