// ABOUTME: Delivery service that signals workflows and persists inbound messages
// ABOUTME: Also records outbound replies, the only path that produces outbound rows

// Package delivery accepts envelopes from callers, hands them to the
// workflow engine, and stores them in the participant's thread.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/weave-gateway/internal/engine"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/store"
)

// Result acknowledges a stored inbound message.
type Result struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	RequestID string `json:"request_id"`
}

// Observer is told how long each delivery took and whether it succeeded.
type Observer func(direction store.Direction, took time.Duration, err error)

// Service implements message delivery.
type Service struct {
	store    store.Store
	engine   engine.Client
	logger   *slog.Logger
	observer Observer
}

// Option configures a Service.
type Option func(*Service)

// WithObserver reports every Deliver and RecordReply call.
func WithObserver(fn Observer) Option {
	return func(s *Service) {
		s.observer = fn
	}
}

// New creates a delivery service.
func New(s store.Store, e engine.Client, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		store:  s,
		engine: e,
		logger: logger.With("component", "delivery"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Deliver signals the workflow and persists env as an inbound message.
// It returns once the write is acknowledged and never waits for a reply.
func (s *Service) Deliver(ctx context.Context, env *envelope.Envelope) (res *Result, err error) {
	start := time.Now()
	defer func() { s.observe(store.DirectionInbound, start, err) }()

	env.Normalize()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.EnsureRequestID()

	if err := s.engine.Signal(ctx, env); err != nil {
		s.logger.Warn("workflow signal failed",
			"workflow_id", env.WorkflowID,
			"request_id", env.RequestID,
			"error", err,
		)
		return nil, asUpstream(err, "signalling workflow")
	}

	stored, err := s.store.AppendMessage(ctx, toMessage(env, store.DirectionInbound))
	if err != nil {
		s.logger.Error("persisting inbound message",
			"workflow_id", env.WorkflowID,
			"request_id", env.RequestID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: persisting message: %v", envelope.ErrUpstreamUnavailable, err)
	}

	s.logger.Debug("message delivered",
		"tenant_id", env.TenantID,
		"workflow_id", env.WorkflowID,
		"participant_id", env.ParticipantID,
		"request_id", env.RequestID,
		"message_id", stored.ID,
	)

	return &Result{
		ThreadID:  stored.ThreadID,
		MessageID: stored.ID,
		RequestID: env.RequestID,
	}, nil
}

// RecordReply persists an outbound message emitted by a workflow. The
// change-feed listener picks it up from there.
func (s *Service) RecordReply(ctx context.Context, env *envelope.Envelope) (msg *store.Message, err error) {
	start := time.Now()
	defer func() { s.observe(store.DirectionOutbound, start, err) }()

	env.Normalize()
	if err := env.Validate(); err != nil {
		return nil, err
	}

	stored, err := s.store.AppendMessage(ctx, toMessage(env, store.DirectionOutbound))
	if err != nil {
		return nil, fmt.Errorf("%w: persisting reply: %v", envelope.ErrUpstreamUnavailable, err)
	}

	s.logger.Debug("reply recorded",
		"workflow_id", env.WorkflowID,
		"request_id", env.RequestID,
		"message_id", stored.ID,
	)
	return stored, nil
}

func (s *Service) observe(dir store.Direction, start time.Time, err error) {
	if s.observer != nil {
		s.observer(dir, time.Since(start), err)
	}
}

// asUpstream keeps engine errors that already carry a gateway meaning and
// marks everything else as an upstream failure.
func asUpstream(err error, op string) error {
	switch {
	case errors.Is(err, envelope.ErrValidation),
		errors.Is(err, envelope.ErrAccessDenied),
		errors.Is(err, envelope.ErrUpstreamUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", envelope.ErrCancelled, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", envelope.ErrUpstreamUnavailable, op, err)
	}
}

// toMessage converts an envelope to a storable row. Authorization is dropped.
func toMessage(env *envelope.Envelope, dir store.Direction) *store.Message {
	return &store.Message{
		RequestID:     env.RequestID,
		TenantID:      env.TenantID,
		WorkflowID:    env.WorkflowID,
		ParticipantID: env.ParticipantID,
		Scope:         env.Scope,
		Kind:          string(env.Kind),
		Direction:     dir,
		Text:          env.Text,
		Data:          env.Data,
		Origin:        env.Origin,
	}
}
