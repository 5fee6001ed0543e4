// ABOUTME: Development workflow engine that answers every message with an echo
// ABOUTME: Replies travel back through the normal reply path so the full loop is exercised

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/weave-gateway/internal/envelope"
)

// ReplyFunc records an outbound reply emitted by a workflow.
type ReplyFunc func(ctx context.Context, reply *envelope.Envelope) error

// Echo answers chat and data messages after a fixed delay.
type Echo struct {
	delay  time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	reply ReplyFunc
	wg    sync.WaitGroup
}

// NewEcho creates an echo engine. SetReplyFunc must be called before use.
func NewEcho(delay time.Duration, logger *slog.Logger) *Echo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{delay: delay, logger: logger.With("component", "echo-engine")}
}

// SetReplyFunc wires the reply path.
func (e *Echo) SetReplyFunc(fn ReplyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reply = fn
}

// Signal schedules the echo reply and returns immediately.
// Webhook messages are accepted without reply.
func (e *Echo) Signal(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind == envelope.KindWebhook {
		return nil
	}

	e.mu.RLock()
	reply := e.reply
	e.mu.RUnlock()
	if reply == nil {
		return nil
	}

	out := &envelope.Envelope{
		RequestID:     env.RequestID,
		TenantID:      env.TenantID,
		WorkflowID:    env.WorkflowID,
		ParticipantID: env.ParticipantID,
		Scope:         env.Scope,
		Kind:          env.Kind,
		Text:          "echo: " + env.Text,
		Data:          env.Data,
		Origin:        "echo",
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		time.Sleep(e.delay)

		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reply(rctx, out); err != nil {
			e.logger.Error("echo reply failed", "request_id", out.RequestID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all scheduled replies have been recorded.
func (e *Echo) Wait() {
	e.wg.Wait()
}
