// ABOUTME: HTTP API handlers for sending messages, waiting for replies, and reading history
// ABOUTME: Maps domain errors to status codes and writes JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/weave-gateway/internal/address"
	"github.com/2389/weave-gateway/internal/auth"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/pending"
	"github.com/2389/weave-gateway/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// StatusClientClosedRequest is returned when the caller went away before a reply.
const StatusClientClosedRequest = 499

// SendRequest is the JSON request body for POST /api/v1/messages and
// /api/v1/messages/sync.
type SendRequest struct {
	RequestID      string          `json:"request_id,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Workflow       string          `json:"workflow"`
	ParticipantID  string          `json:"participant_id,omitempty"`
	Scope          string          `json:"scope,omitempty"`
	Kind           string          `json:"kind"`
	Text           string          `json:"text,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// SyncResponse is the JSON response for a completed synchronous send.
type SyncResponse struct {
	RequestID string         `json:"request_id"`
	Reply     *store.Message `json:"reply"`
}

// HistoryResponse is the JSON response for GET /api/v1/history.
type HistoryResponse struct {
	Messages   []*store.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// ReplyRequest is the JSON request body for POST /api/v1/replies.
type ReplyRequest struct {
	RequestID     string          `json:"request_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Workflow      string          `json:"workflow"`
	ParticipantID string          `json:"participant_id"`
	Scope         string          `json:"scope,omitempty"`
	Kind          string          `json:"kind"`
	Text          string          `json:"text,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Origin        string          `json:"origin,omitempty"`
}

// statusForError maps a domain error to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, envelope.ErrValidation), errors.Is(err, address.ErrInvalidAddress), errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, address.ErrAddressMismatch), errors.Is(err, envelope.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, pending.ErrDuplicateRequestID), errors.Is(err, store.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, envelope.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, envelope.ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, envelope.ErrUpstreamUnavailable), errors.Is(err, pending.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the mapped status. Server-side failures get a
// generic message; the detail only goes to the log.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusGatewayTimeout:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"timeout","status":"timeout"}`))
	case StatusClientClosedRequest:
		w.WriteHeader(status)
	case http.StatusServiceUnavailable:
		if errors.Is(err, pending.ErrClosed) {
			g.sendJSONError(w, status, "gateway shutting down")
			return
		}
		g.logger.Warn("upstream unavailable", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "upstream unavailable")
	case http.StatusInternalServerError:
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, status, "internal server error")
	case http.StatusForbidden:
		g.logger.Warn("tenant boundary rejected", "path", r.URL.Path, "error", err, "security", true)
		g.sendJSONError(w, status, err.Error())
	default:
		g.sendJSONError(w, status, err.Error())
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// parseSendRequest decodes a SendRequest from r.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", envelope.ErrValidation)
	}
	return &req, nil
}

// buildEnvelope turns a send request into an envelope owned by the caller's
// tenant. The participant defaults to the one bound to the credential.
func buildEnvelope(ac *auth.AuthContext, req *SendRequest, origin string) (*envelope.Envelope, error) {
	if req.TenantID != "" && req.TenantID != ac.TenantID {
		return nil, fmt.Errorf("%w: tenant %q cannot send as tenant %q", envelope.ErrAccessDenied, ac.TenantID, req.TenantID)
	}
	participant := req.ParticipantID
	if participant == "" {
		participant = ac.ParticipantID
	}
	return envelope.New(envelope.Params{
		RequestID:     req.RequestID,
		TenantID:      ac.TenantID,
		Workflow:      req.Workflow,
		ParticipantID: participant,
		Scope:         req.Scope,
		Kind:          req.Kind,
		Text:          req.Text,
		Data:          req.Data,
		Authorization: ac.Credential,
		Origin:        origin,
	})
}

// decodeSend runs the checks shared by both send endpoints. It writes the
// response and returns nil when the request must not proceed.
func (g *Gateway) decodeSend(w http.ResponseWriter, r *http.Request) (*envelope.Envelope, *SendRequest) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, nil
	}

	ac := auth.MustFromContext(r.Context())
	if !g.limiter.Allow(ac.TenantID) {
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, nil
	}

	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, r, err)
		return nil, nil
	}

	env, err := buildEnvelope(ac, req, "api")
	if err != nil {
		g.writeError(w, r, err)
		return nil, nil
	}
	return env, req
}

// handleSend handles POST /api/v1/messages. It returns 202 once the message
// is stored and never waits for the workflow's reply.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	env, _ := g.decodeSend(w, r)
	if env == nil {
		return
	}

	res, err := g.delivery.Deliver(r.Context(), env)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, res)
}

// handleSendSync handles POST /api/v1/messages/sync. It blocks until the
// workflow replies, the timeout elapses, or the caller disconnects.
func (g *Gateway) handleSendSync(w http.ResponseWriter, r *http.Request) {
	env, req := g.decodeSend(w, r)
	if env == nil {
		return
	}

	timeout := g.bridge.Clamp(time.Duration(req.TimeoutSeconds) * time.Second)
	reply, err := g.bridge.Await(r.Context(), env, timeout)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, SyncResponse{RequestID: env.RequestID, Reply: reply})
}

// resolveGroup names a subscriber group inside the caller's tenant. A
// tenant named by the client must match the credential's. The participant
// defaults to the one bound to the credential.
func resolveGroup(ac *auth.AuthContext, tenant, workflow, participant, scope string) (envelope.GroupKey, error) {
	if tenant != "" && tenant != ac.TenantID {
		return envelope.GroupKey{}, fmt.Errorf("%w: tenant %q cannot address tenant %q", envelope.ErrAccessDenied, ac.TenantID, tenant)
	}
	addr, err := address.Resolve(workflow, ac.TenantID)
	if err != nil {
		return envelope.GroupKey{}, err
	}
	if participant == "" {
		participant = ac.ParticipantID
	}
	key := envelope.NewGroupKey(ac.TenantID, addr.WorkflowID, participant, scope)
	if key.ParticipantID == "" {
		return envelope.GroupKey{}, fmt.Errorf("%w: participant_id is required", envelope.ErrValidation)
	}
	return key, nil
}

// groupQuery reads the group from the tenant_id, workflow, participant_id,
// and scope query parameters.
func groupQuery(ac *auth.AuthContext, r *http.Request) (envelope.GroupKey, error) {
	q := r.URL.Query()
	return resolveGroup(ac, q.Get("tenant_id"), q.Get("workflow"), q.Get("participant_id"), q.Get("scope"))
}

// handleHistory handles GET /api/v1/history.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ac := auth.MustFromContext(r.Context())
	key, err := groupQuery(ac, r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	query := store.MessageQuery{
		Key:    store.ThreadKey(key),
		Cursor: q.Get("cursor"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	switch dir := store.Direction(strings.ToLower(q.Get("direction"))); dir {
	case "":
	case store.DirectionInbound, store.DirectionOutbound:
		query.Direction = dir
	default:
		g.sendJSONError(w, http.StatusBadRequest, "direction must be inbound or outbound")
		return
	}

	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		query.Since = &since
	}

	page, err := g.store.ListMessages(r.Context(), query)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidCursor) {
			err = fmt.Errorf("%w: %w", envelope.ErrUpstreamUnavailable, err)
		}
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, HistoryResponse{
		Messages:   page.Messages,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// handleReply handles POST /api/v1/replies, the ingress for messages a
// workflow emits. Behind the reply token the body names the tenant; behind
// tenant auth the body must match the caller's tenant.
func (g *Gateway) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ReplyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if ac := auth.FromContext(r.Context()); ac != nil {
		if req.TenantID == "" {
			req.TenantID = ac.TenantID
		}
		if req.TenantID != ac.TenantID {
			g.writeError(w, r, fmt.Errorf("%w: reply for tenant %q from tenant %q", envelope.ErrAccessDenied, req.TenantID, ac.TenantID))
			return
		}
	}

	origin := req.Origin
	if origin == "" {
		origin = "engine"
	}
	env, err := envelope.New(envelope.Params{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		Workflow:      req.Workflow,
		ParticipantID: req.ParticipantID,
		Scope:         req.Scope,
		Kind:          req.Kind,
		Text:          req.Text,
		Data:          req.Data,
		Origin:        origin,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	msg, err := g.delivery.RecordReply(r.Context(), env)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, msg)
}
