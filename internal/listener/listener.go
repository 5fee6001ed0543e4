// ABOUTME: Change-feed listener that turns stored messages into live events
// ABOUTME: Resolves pending sync waits and publishes every message to the fan-out router

// Package listener runs the single long-lived loop that tails the change
// feed. It never stops on its own: feed failures are retried with capped
// exponential backoff from the last processed position.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/weave-gateway/internal/dedupe"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/feed"
	"github.com/2389/weave-gateway/internal/store"
)

// Resolver completes pending synchronous waits. pending.Registry satisfies it.
type Resolver interface {
	Resolve(tenantID, requestID string, reply *store.Message) bool
}

// Publisher fans a message out to live subscribers. fanout.Router satisfies it.
type Publisher interface {
	Publish(key envelope.GroupKey, msg *store.Message) int
}

// Observer receives feed activity for metrics.
type Observer interface {
	ObserveFeedMessage(direction store.Direction)
	ObserveFeedError(reason string)
}

// Config tunes retry and dedupe behaviour.
type Config struct {
	RetryMin   time.Duration
	RetryMax   time.Duration
	DedupeTTL  time.Duration
	DedupeSize int
}

// Listener tails a feed.
type Listener struct {
	feed      feed.Feed
	resolver  Resolver
	publisher Publisher
	cfg       Config
	seen      *dedupe.Cache
	observer  Observer
	logger    *slog.Logger

	attached atomic.Bool

	mu       sync.RWMutex
	position feed.Position
}

// Option configures a Listener.
type Option func(*Listener)

// WithObserver reports feed activity to o.
func WithObserver(o Observer) Option {
	return func(l *Listener) {
		l.observer = o
	}
}

// New creates a listener. Zero config values get defaults.
func New(f feed.Feed, r Resolver, p Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 250 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(30*time.Second, cfg.RetryMin)
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}
	l := &Listener{
		feed:      f,
		resolver:  r,
		publisher: p,
		cfg:       cfg,
		seen:      dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		logger:    logger.With("component", "listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Healthy reports whether the feed is currently attached.
func (l *Listener) Healthy() bool {
	return l.attached.Load()
}

// Position returns the resume token of the last processed message.
func (l *Listener) Position() feed.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position
}

func (l *Listener) setPosition(pos feed.Position) {
	l.mu.Lock()
	l.position = pos
	l.mu.Unlock()
}

// Run tails the feed until ctx is done. It always returns nil.
func (l *Listener) Run(ctx context.Context) error {
	defer l.seen.Close()

	backoff := l.cfg.RetryMin
	for {
		handled, err := l.attach(ctx)
		if ctx.Err() != nil {
			l.logger.Info("listener stopped", "position", l.Position())
			return nil
		}
		if handled {
			backoff = l.cfg.RetryMin
		}

		l.logger.Warn("feed detached, retrying",
			"error", err,
			"position", l.Position(),
			"backoff", backoff,
		)
		if l.observer != nil {
			l.observer.ObserveFeedError("detached")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.cfg.RetryMax)
	}
}

// attach runs one Watch. It reports whether any message was handled.
func (l *Listener) attach(ctx context.Context) (bool, error) {
	from := l.Position()
	if from == "" {
		head, err := l.feed.Head(ctx)
		if err != nil {
			return false, fmt.Errorf("reading feed head: %w", err)
		}
		from = head
		l.setPosition(head)
	}

	l.attached.Store(true)
	defer l.attached.Store(false)
	l.logger.Info("feed attached", "from", from)

	var handled atomic.Bool
	err := l.feed.Watch(ctx, from, func(pos feed.Position, msg *store.Message) {
		handled.Store(true)
		l.handle(msg)
		l.setPosition(pos)
	})
	if err == nil && ctx.Err() == nil {
		err = errors.New("feed watch ended")
	}
	return handled.Load(), err
}

// handle processes one message. A panic is logged and the message skipped.
func (l *Listener) handle(msg *store.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic handling feed message", "message_id", msg.ID, "panic", r)
			if l.observer != nil {
				l.observer.ObserveFeedError("panic")
			}
		}
	}()

	if l.seen.Seen(msg.ID) {
		l.logger.Debug("skipping replayed message", "message_id", msg.ID)
		return
	}
	if l.observer != nil {
		l.observer.ObserveFeedMessage(msg.Direction)
	}

	if msg.Direction == store.DirectionOutbound && msg.RequestID != "" {
		if l.resolver.Resolve(msg.TenantID, msg.RequestID, msg) {
			l.logger.Debug("resolved pending request", "tenant_id", msg.TenantID, "request_id", msg.RequestID)
		}
	}

	key := envelope.NewGroupKey(msg.TenantID, msg.WorkflowID, msg.ParticipantID, msg.Scope)
	l.publisher.Publish(key, msg)
}
