// ABOUTME: Tests for the websocket transport
// ABOUTME: Drives subscribe, send, wait, and ping frames over a real connection

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/delivery"
	"github.com/2389/weave-gateway/internal/store"
)

// dialSocket opens a websocket to tg as tenant.
func dialSocket(t *testing.T, tg *testGateway, tenant string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/api/v1/socket"
	header := http.Header{}
	header.Set("X-Tenant-ID", tenant)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, req SocketRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

// readFrame reads one server frame, keeping the raw result for decoding.
func readFrame(t *testing.T, conn *websocket.Conn) (SocketFrame, json.RawMessage) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame SocketFrame
	require.NoError(t, json.Unmarshal(data, &frame))

	var raw struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	return frame, raw.Result
}

// readUntil reads frames until one of type frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) (SocketFrame, json.RawMessage) {
	t.Helper()
	for {
		frame, raw := readFrame(t, conn)
		if frame.Type == frameType {
			return frame, raw
		}
	}
}

func TestSocket_SubscribeAndSend(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	sendFrame(t, conn, SocketRequest{Op: OpSubscribe, ID: "1", Workflow: testWorkflow, ParticipantID: "alice"})
	frame, raw := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, frame.Type)
	assert.Equal(t, "1", frame.ID)
	var view map[string]string
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "acme:Support:Router", view["workflow_id"])
	assert.Equal(t, "alice", view["participant_id"])

	sendFrame(t, conn, SocketRequest{Op: OpSend, ID: "2", Workflow: testWorkflow, ParticipantID: "alice", Kind: "chat", Text: "hi"})

	var gotAck, gotMessage bool
	for !gotAck || !gotMessage {
		frame, raw := readFrame(t, conn)
		switch frame.Type {
		case FrameAck:
			assert.Equal(t, "2", frame.ID)
			var res delivery.Result
			require.NoError(t, json.Unmarshal(raw, &res))
			assert.NotEmpty(t, res.MessageID)
			gotAck = true
		case FrameMessage:
			var msg store.Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			assert.Equal(t, "hi", msg.Text)
			assert.Equal(t, "socket", msg.Origin)
			gotMessage = true
		default:
			t.Fatalf("unexpected frame %q", frame.Type)
		}
	}
}

func TestSocket_SendAndWait(t *testing.T) {
	tg := newTestGateway(t, nil, nil, nil)
	conn := dialSocket(t, tg, testTenant)

	sendFrame(t, conn, SocketRequest{
		Op:            OpSend,
		ID:            "w1",
		Workflow:      testWorkflow,
		ParticipantID: "alice",
		Kind:          "chat",
		Text:          "ping",
		Wait:          true,
	})

	frame, raw := readUntil(t, conn, FrameReply)
	assert.Equal(t, "w1", frame.ID)

	var out SyncResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	require.NotNil(t, out.Reply)
	assert.Equal(t, "echo: ping", out.Reply.Text)
	assert.NotEmpty(t, out.RequestID)
}

func TestSocket_SubscribeWithMatchingTenant(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	sendFrame(t, conn, SocketRequest{Op: OpSubscribe, ID: "1", TenantID: testTenant, Workflow: testWorkflow, ParticipantID: "alice"})
	frame, _ := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, frame.Type)
	assert.Equal(t, 1, tg.router.Groups())
}

func TestSocket_Ping(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	sendFrame(t, conn, SocketRequest{Op: OpPing, ID: "p"})
	frame, _ := readFrame(t, conn)
	assert.Equal(t, FramePong, frame.Type)
	assert.Equal(t, "p", frame.ID)
}

func TestSocket_Errors(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	tests := []struct {
		name   string
		req    SocketRequest
		status int
	}{
		{"unknown op", SocketRequest{Op: "dance", ID: "e1"}, http.StatusBadRequest},
		{"cross tenant", SocketRequest{Op: OpSubscribe, ID: "e2", Workflow: "globex:Support:Router", ParticipantID: "alice"}, http.StatusForbidden},
		{"missing workflow", SocketRequest{Op: OpSubscribe, ID: "e3", ParticipantID: "alice"}, http.StatusBadRequest},
		{"bad send", SocketRequest{Op: OpSend, ID: "e4", Workflow: testWorkflow, ParticipantID: "alice", Kind: "fax"}, http.StatusBadRequest},
		{"tenant mismatch", SocketRequest{Op: OpSubscribe, ID: "e5", TenantID: "globex", Workflow: testWorkflow, ParticipantID: "alice"}, http.StatusForbidden},
		{"send as other tenant", SocketRequest{Op: OpSend, ID: "e6", TenantID: "globex", Workflow: testWorkflow, ParticipantID: "alice", Kind: "chat", Text: "hi"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.req)
			frame, _ := readFrame(t, conn)
			assert.Equal(t, FrameError, frame.Type)
			assert.Equal(t, tt.req.ID, frame.ID)
			assert.Equal(t, tt.status, frame.Status)
			assert.NotEmpty(t, frame.Error)
		})
	}

	assert.Zero(t, tg.router.Groups())

	// The connection survives bad frames
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	frame, _ := readFrame(t, conn)
	assert.Equal(t, http.StatusBadRequest, frame.Status)

	sendFrame(t, conn, SocketRequest{Op: OpPing, ID: "still-here"})
	frame, _ = readFrame(t, conn)
	assert.Equal(t, FramePong, frame.Type)
}

func TestSocket_Unsubscribe(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	sendFrame(t, conn, SocketRequest{Op: OpSubscribe, ID: "1", Workflow: testWorkflow, ParticipantID: "alice"})
	frame, _ := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, frame.Type)
	assert.Equal(t, 1, tg.router.Groups())

	sendFrame(t, conn, SocketRequest{Op: OpUnsubscribe, ID: "2", Workflow: testWorkflow, ParticipantID: "alice"})
	frame, _ = readFrame(t, conn)
	require.Equal(t, FrameUnsubscribed, frame.Type)
	assert.Zero(t, tg.router.Groups())
}

func TestSocket_DisconnectLeavesAllGroups(t *testing.T) {
	tg := newTestGateway(t, nil, silentEngine{}, nil)
	conn := dialSocket(t, tg, testTenant)

	for i, participant := range []string{"alice", "bob"} {
		sendFrame(t, conn, SocketRequest{Op: OpSubscribe, ID: string(rune('a' + i)), Workflow: testWorkflow, ParticipantID: participant})
		frame, _ := readFrame(t, conn)
		require.Equal(t, FrameSubscribed, frame.Type)
	}
	assert.Equal(t, 2, tg.router.Groups())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return tg.router.Groups() == 0 }, 2*time.Second, 10*time.Millisecond)
}
