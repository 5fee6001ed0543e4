// ABOUTME: Synchronous request/reply on top of asynchronous delivery
// ABOUTME: Registers a pending wait, delivers, and blocks until reply, timeout, or cancellation

// Package bridge gives callers one blocking call that returns a workflow's
// reply. The reply itself arrives through the change-feed listener, which
// resolves the pending wait registered here.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/weave-gateway/internal/delivery"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/pending"
	"github.com/2389/weave-gateway/internal/store"
)

// Default timeout bounds.
const (
	DefaultMinTimeout = time.Second
	DefaultMaxTimeout = 300 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// Deliverer is the asynchronous send path.
type Deliverer interface {
	Deliver(ctx context.Context, env *envelope.Envelope) (*delivery.Result, error)
}

// Config bounds how long a caller may wait.
type Config struct {
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
}

// Bridge implements Await.
type Bridge struct {
	deliverer Deliverer
	registry  *pending.Registry
	cfg       Config
	logger    *slog.Logger
}

// New creates a bridge. Zero config values take the package defaults.
func New(d Deliverer, r *pending.Registry, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = DefaultMinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.MaxTimeout < cfg.MinTimeout {
		cfg.MaxTimeout = cfg.MinTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Bridge{
		deliverer: d,
		registry:  r,
		cfg:       cfg,
		logger:    logger.With("component", "bridge"),
	}
}

// Clamp returns timeout bounded to [MinTimeout, MaxTimeout]. Zero or
// negative selects the default.
func (b *Bridge) Clamp(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	return min(max(timeout, b.cfg.MinTimeout), b.cfg.MaxTimeout)
}

// Await delivers env and blocks until the workflow replies with the same
// request id inside env's tenant. It returns envelope.ErrTimeout when the bound elapses and
// envelope.ErrCancelled when ctx ends first. Invalid envelopes fail before
// anything is registered.
func (b *Bridge) Await(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*store.Message, error) {
	env.Normalize()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	requestID := env.EnsureRequestID()
	timeout = b.Clamp(timeout)

	w, err := b.registry.Register(env.TenantID, requestID, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	if _, err := b.deliverer.Deliver(ctx, env); err != nil {
		b.registry.Cancel(env.TenantID, requestID)
		return nil, err
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		// Cancel loses to an outcome that landed concurrently; report that one.
		if b.registry.Cancel(env.TenantID, requestID) {
			b.logger.Debug("caller went away", "request_id", requestID)
			return nil, fmt.Errorf("%w: %v", envelope.ErrCancelled, ctx.Err())
		}
		<-w.Done()
	}

	switch w.Outcome() {
	case pending.OutcomeResolved:
		return w.Reply(), nil
	case pending.OutcomeTimedOut:
		return nil, fmt.Errorf("%w: request %s after %s", envelope.ErrTimeout, requestID, timeout)
	default:
		return nil, envelope.ErrCancelled
	}
}
