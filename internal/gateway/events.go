// ABOUTME: Server-sent event stream of messages for one subscriber group
// ABOUTME: Subscribe-only transport with a periodic heartbeat comment

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/weave-gateway/internal/auth"
	"github.com/2389/weave-gateway/internal/fanout"
)

// subscribedEvent is the first event on every stream.
type subscribedEvent struct {
	SubscriberID  string `json:"subscriber_id"`
	WorkflowID    string `json:"workflow_id"`
	ParticipantID string `json:"participant_id"`
	Scope         string `json:"scope,omitempty"`
	Heartbeat     int    `json:"heartbeat_seconds"`
}

// heartbeatInterval reads heartbeat_seconds and clamps it to the configured bounds.
func (g *Gateway) heartbeatInterval(r *http.Request) (time.Duration, error) {
	ec := g.config.Events
	interval := ec.Heartbeat
	if raw := r.URL.Query().Get("heartbeat_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			return 0, errors.New("heartbeat_seconds must be a positive integer")
		}
		interval = time.Duration(secs) * time.Second
	}
	if ec.MinHeartbeat > 0 {
		interval = max(interval, ec.MinHeartbeat)
	}
	if ec.MaxHeartbeat > 0 {
		interval = min(interval, ec.MaxHeartbeat)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval, nil
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	_, err = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
	return err
}

// handleEvents handles GET /api/v1/events. The stream carries every message
// persisted for the group after subscription until the caller disconnects
// or the gateway shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
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

	interval, err := g.heartbeatInterval(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	queue := fanout.NewQueue(ac.TenantID, g.config.Events.Buffer)
	if err := g.router.Subscribe(key, queue); err != nil {
		queue.Close()
		g.writeError(w, r, err)
		return
	}
	defer func() {
		g.router.RemoveSubscriber(queue)
		queue.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	logger := g.logger.With("subscriber_id", queue.ID(), "group", key.String())
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	if err := g.writeSSEEvent(w, "subscribed", subscribedEvent{
		SubscriberID:  queue.ID(),
		WorkflowID:    key.WorkflowID,
		ParticipantID: key.ParticipantID,
		Scope:         key.Scope,
		Heartbeat:     int(interval / time.Second),
	}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-g.closing:
			_ = g.writeSSEEvent(w, "closed", map[string]string{"reason": "server shutting down"})
			flusher.Flush()
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case msg, ok := <-queue.Messages():
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, "message", msg); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
