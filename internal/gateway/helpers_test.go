// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway over an in-memory store and poll feed with a running listener

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/config"
	"github.com/2389/weave-gateway/internal/engine"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/feed"
	"github.com/2389/weave-gateway/internal/store"
)

const (
	testTenant   = "acme"
	testWorkflow = "Support:Router"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a defaulted config with anonymous tenant access and
// fast feed polling.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Engine: config.EngineConfig{Mode: "echo"},
		Auth:   config.AuthConfig{AllowAnonymous: true},
	}
	cfg.ApplyDefaults()
	cfg.Feed.PollInterval = 10 * time.Millisecond
	cfg.Feed.RetryMin = 10 * time.Millisecond
	cfg.Feed.RetryMax = 50 * time.Millisecond
	cfg.Engine.EchoDelay = 10 * time.Millisecond
	cfg.Events.Buffer = 16
	return cfg
}

// silentEngine accepts every signal and never replies.
type silentEngine struct{}

func (silentEngine) Signal(context.Context, *envelope.Envelope) error { return nil }

// failingEngine rejects every signal with err.
type failingEngine struct{ err error }

func (f failingEngine) Signal(context.Context, *envelope.Envelope) error { return f.err }

type testGateway struct {
	*Gateway
	store  *store.MockStore
	server *httptest.Server
}

// newTestGateway assembles a gateway over s (a fresh MockStore when nil),
// starts its feed listener, and serves its routes over httptest. A nil
// engine selects the echo engine.
func newTestGateway(t *testing.T, cfg *config.Config, eng engine.Client, s *store.MockStore) *testGateway {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	if s == nil {
		s = store.NewMockStore()
	}
	if eng == nil {
		eng = engine.NewEcho(cfg.Engine.EchoDelay, testLogger())
	}

	f := feed.NewPollFeed(s, cfg.Feed.PollInterval, cfg.Feed.BatchSize, testLogger())
	gw, err := assemble(cfg, components{store: s, feed: f, engine: eng}, nil, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, gw.listener.Healthy, 2*time.Second, 5*time.Millisecond, "listener never attached")

	return &testGateway{Gateway: gw, store: s, server: srv}
}

// do sends a request as testTenant and returns the response.
func (tg *testGateway) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return tg.doAs(t, testTenant, method, path, body)
}

func (tg *testGateway) doAs(t *testing.T, tenant, method, path string, body any) *http.Response {
	t.Helper()
	header := http.Header{}
	if tenant != "" {
		header.Set("X-Tenant-ID", tenant)
	}
	return tg.doWithHeader(t, method, path, body, header)
}

func (tg *testGateway) doWithHeader(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, tg.server.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decode reads a JSON response body into v.
func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// chat builds a chat send request for testWorkflow.
func chat(participant, text string) SendRequest {
	return SendRequest{
		Workflow:      testWorkflow,
		ParticipantID: participant,
		Kind:          "chat",
		Text:          text,
	}
}
