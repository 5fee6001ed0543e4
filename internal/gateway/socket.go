// ABOUTME: Bidirectional websocket transport for subscriptions and sends
// ABOUTME: One connection may join many groups; disconnect leaves all of them

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/weave-gateway/internal/auth"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/fanout"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
	socketMaxMessage = 64 << 10
)

// Socket operations sent by clients.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSend        = "send"
	OpPing        = "ping"
)

// Frame types sent by the server.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameAck          = "ack"
	FrameReply        = "reply"
	FrameMessage      = "message"
	FramePong         = "pong"
	FrameError        = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SocketRequest is a client frame. Fields beyond Op and ID depend on the op.
type SocketRequest struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	TenantID      string `json:"tenant_id,omitempty"`
	Workflow      string `json:"workflow,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Scope         string `json:"scope,omitempty"`

	// send only
	RequestID      string          `json:"request_id,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Text           string          `json:"text,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Wait           bool            `json:"wait,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// SocketFrame is a server frame.
type SocketFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// socketConn is one upgraded connection. The queue is the connection's
// single fan-out subscriber across every group it joins.
type socketConn struct {
	gw     *Gateway
	ws     *websocket.Conn
	ac     *auth.AuthContext
	queue  *fanout.Queue
	logger *slog.Logger

	// ctx is cancelled when the connection ends; in-flight waits observe it
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	waits   sync.WaitGroup
}

// handleSocket handles GET /api/v1/socket.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	// The request context ends when the handler returns; waits outlive
	// individual frames, so the connection owns its own context.
	ctx, cancel := context.WithCancel(context.Background())
	queue := fanout.NewQueue(ac.TenantID, g.config.Events.Buffer)
	c := &socketConn{
		gw:     g,
		ws:     ws,
		ac:     ac,
		queue:  queue,
		logger: g.logger.With("subscriber_id", queue.ID(), "tenant_id", ac.TenantID),
		ctx:    ctx,
		cancel: cancel,
	}

	c.logger.Debug("socket connected", "remote_addr", r.RemoteAddr)
	c.serve()
	c.logger.Debug("socket disconnected")
}

// serve runs the read loop on the calling goroutine and the write pump on
// another, and cleans up when either side ends.
func (c *socketConn) serve() {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pump()
	}()

	c.readLoop()

	c.cancel()
	c.gw.router.RemoveSubscriber(c.queue)
	c.queue.Close()
	<-pumpDone
	c.waits.Wait()
	_ = c.ws.Close()
}

// readLoop handles client frames until the connection fails.
func (c *socketConn) readLoop() {
	c.ws.SetReadLimit(socketMaxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(socketPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("socket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(socketPongWait))

		var req SocketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.writeError("", envelopeError("invalid JSON frame"))
			continue
		}
		c.dispatch(&req)
	}
}

// pump writes fan-out messages and keepalive pings until the queue closes
// or the gateway shuts down.
func (c *socketConn) pump() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.queue.Messages():
			if !ok {
				return
			}
			if err := c.write(SocketFrame{Type: FrameMessage, Result: msg}); err != nil {
				c.logger.Debug("socket write failed", "error", err)
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.ws.Close()
				return
			}

		case <-c.gw.closing:
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(socketWriteWait))
			c.writeMu.Unlock()
			_ = c.ws.Close()
			return
		}
	}
}

func (c *socketConn) dispatch(req *SocketRequest) {
	switch req.Op {
	case OpPing:
		_ = c.write(SocketFrame{Type: FramePong, ID: req.ID})
	case OpSubscribe:
		c.subscribe(req)
	case OpUnsubscribe:
		c.unsubscribe(req)
	case OpSend:
		c.send(req)
	default:
		c.writeError(req.ID, envelopeError("unknown op "+req.Op))
	}
}

func (c *socketConn) subscribe(req *SocketRequest) {
	key, err := resolveGroup(c.ac, req.TenantID, req.Workflow, req.ParticipantID, req.Scope)
	if err != nil {
		c.writeError(req.ID, err)
		return
	}
	if err := c.gw.router.Subscribe(key, c.queue); err != nil {
		c.writeError(req.ID, err)
		return
	}
	_ = c.write(SocketFrame{Type: FrameSubscribed, ID: req.ID, Result: groupView(key)})
}

func (c *socketConn) unsubscribe(req *SocketRequest) {
	key, err := resolveGroup(c.ac, req.TenantID, req.Workflow, req.ParticipantID, req.Scope)
	if err != nil {
		c.writeError(req.ID, err)
		return
	}
	if err := c.gw.router.Unsubscribe(key, c.queue); err != nil {
		c.writeError(req.ID, err)
		return
	}
	_ = c.write(SocketFrame{Type: FrameUnsubscribed, ID: req.ID, Result: groupView(key)})
}

// send delivers a message and acks once it is stored. With wait set, the
// workflow's reply is sent as a reply frame instead of the ack. Waits run
// off the read loop so one slow workflow does not stall the connection.
func (c *socketConn) send(req *SocketRequest) {
	if !c.gw.limiter.Allow(c.ac.TenantID) {
		_ = c.write(SocketFrame{Type: FrameError, ID: req.ID, Status: http.StatusTooManyRequests, Error: "rate limit exceeded"})
		return
	}

	env, err := buildEnvelope(c.ac, &SendRequest{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		Workflow:      req.Workflow,
		ParticipantID: req.ParticipantID,
		Scope:         req.Scope,
		Kind:          req.Kind,
		Text:          req.Text,
		Data:          req.Data,
	}, "socket")
	if err != nil {
		c.writeError(req.ID, err)
		return
	}

	if !req.Wait {
		res, err := c.gw.delivery.Deliver(c.ctx, env)
		if err != nil {
			c.writeError(req.ID, err)
			return
		}
		_ = c.write(SocketFrame{Type: FrameAck, ID: req.ID, Result: res})
		return
	}

	env.EnsureRequestID()
	timeout := c.gw.bridge.Clamp(time.Duration(req.TimeoutSeconds) * time.Second)

	c.waits.Add(1)
	go func() {
		defer c.waits.Done()
		reply, err := c.gw.bridge.Await(c.ctx, env, timeout)
		if err != nil {
			if !errors.Is(err, envelope.ErrCancelled) || c.ctx.Err() == nil {
				c.writeError(req.ID, err)
			}
			return
		}
		_ = c.write(SocketFrame{Type: FrameReply, ID: req.ID, Result: SyncResponse{RequestID: env.RequestID, Reply: reply}})
	}()
}

// write sends one JSON frame under the write lock.
func (c *socketConn) write(frame SocketFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.ws.WriteJSON(frame)
}

func (c *socketConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// writeError reports err against the frame id with its HTTP-equivalent status.
func (c *socketConn) writeError(id string, err error) {
	status := statusForError(err)
	msg := err.Error()
	switch status {
	case http.StatusGatewayTimeout:
		msg = "timeout"
	case http.StatusServiceUnavailable:
		c.logger.Warn("upstream unavailable", "error", err)
		msg = "upstream unavailable"
	case http.StatusInternalServerError:
		c.logger.Error("socket operation failed", "error", err)
		msg = "internal server error"
	case http.StatusForbidden:
		c.logger.Warn("tenant boundary rejected", "error", err, "security", true)
	}
	_ = c.write(SocketFrame{Type: FrameError, ID: id, Status: status, Error: msg})
}

// envelopeError wraps a message as a validation failure.
func envelopeError(msg string) error {
	return fmt.Errorf("%w: %s", envelope.ErrValidation, msg)
}

// groupView is the JSON form of a group key.
func groupView(key envelope.GroupKey) map[string]string {
	view := map[string]string{
		"workflow_id":    key.WorkflowID,
		"participant_id": key.ParticipantID,
	}
	if key.Scope != "" {
		view["scope"] = key.Scope
	}
	return view
}
