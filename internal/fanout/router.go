// ABOUTME: Sharded subscriber-group router for live message fan-out
// ABOUTME: Enforces tenant-scoped membership and isolates per-subscriber send failures

package fanout

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/store"
)

const shardCount = 32

// Subscriber is a live transport connection.
type Subscriber interface {
	ID() string
	TenantID() string
	// Send hands msg to the transport without blocking.
	Send(msg *store.Message) error
}

// Observer receives fan-out statistics.
type Observer interface {
	ObserveFanout(delivered, failed int)
	ObserveSubscriptions(delta int)
}

type shard struct {
	mu     sync.RWMutex
	groups map[envelope.GroupKey]map[string]Subscriber
}

// Router maintains subscriber groups. It is safe for concurrent use.
type Router struct {
	shards [shardCount]*shard

	membersMu sync.Mutex
	members   map[string]map[envelope.GroupKey]struct{} // subscriber id -> groups

	observer Observer
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithObserver attaches a statistics observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates a router. Pass nil logger for default.
func NewRouter(logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		members: make(map[string]map[envelope.GroupKey]struct{}),
		logger:  logger.With("component", "fanout"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[envelope.GroupKey]map[string]Subscriber)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) shardFor(key envelope.GroupKey) *shard {
	h := fnv.New32a()
	for _, part := range []string{key.TenantID, key.WorkflowID, key.ParticipantID, key.Scope} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe adds sub to the group. It is idempotent. A key outside the
// subscriber's tenant fails with envelope.ErrAccessDenied and changes nothing.
func (r *Router) Subscribe(key envelope.GroupKey, sub Subscriber) error {
	if key.TenantID == "" || key.TenantID != sub.TenantID() {
		r.logger.Warn("rejected cross-tenant subscribe",
			"security", true,
			"subscriber", sub.ID(),
			"subscriber_tenant", sub.TenantID(),
			"group_tenant", key.TenantID,
			"group", key.String(),
		)
		return fmt.Errorf("%w: tenant %q cannot subscribe to %q", envelope.ErrAccessDenied, sub.TenantID(), key.TenantID)
	}

	s := r.shardFor(key)
	s.mu.Lock()
	group, ok := s.groups[key]
	if !ok {
		group = make(map[string]Subscriber)
		s.groups[key] = group
	}
	_, existed := group[sub.ID()]
	group[sub.ID()] = sub
	s.mu.Unlock()

	r.membersMu.Lock()
	keys, ok := r.members[sub.ID()]
	if !ok {
		keys = make(map[envelope.GroupKey]struct{})
		r.members[sub.ID()] = keys
	}
	keys[key] = struct{}{}
	r.membersMu.Unlock()

	if !existed {
		if r.observer != nil {
			r.observer.ObserveSubscriptions(1)
		}
		r.logger.Debug("subscribed", "subscriber", sub.ID(), "group", key.String())
	}
	return nil
}

// Unsubscribe removes sub from the group. It is idempotent and carries the
// same tenant check as Subscribe.
func (r *Router) Unsubscribe(key envelope.GroupKey, sub Subscriber) error {
	if key.TenantID != sub.TenantID() {
		r.logger.Warn("rejected cross-tenant unsubscribe",
			"security", true,
			"subscriber", sub.ID(),
			"subscriber_tenant", sub.TenantID(),
			"group_tenant", key.TenantID,
		)
		return fmt.Errorf("%w: tenant %q cannot unsubscribe from %q", envelope.ErrAccessDenied, sub.TenantID(), key.TenantID)
	}

	if r.removeFromGroup(key, sub.ID()) && r.observer != nil {
		r.observer.ObserveSubscriptions(-1)
	}

	r.membersMu.Lock()
	if keys, ok := r.members[sub.ID()]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.members, sub.ID())
		}
	}
	r.membersMu.Unlock()
	return nil
}

// RemoveSubscriber drops sub from every group it joined. Transports call it
// when the connection closes.
func (r *Router) RemoveSubscriber(sub Subscriber) {
	r.membersMu.Lock()
	keys := r.members[sub.ID()]
	delete(r.members, sub.ID())
	r.membersMu.Unlock()

	removed := 0
	for key := range keys {
		if r.removeFromGroup(key, sub.ID()) {
			removed++
		}
	}
	if removed > 0 {
		if r.observer != nil {
			r.observer.ObserveSubscriptions(-removed)
		}
		r.logger.Debug("subscriber removed", "subscriber", sub.ID(), "groups", removed)
	}
}

func (r *Router) removeFromGroup(key envelope.GroupKey, subID string) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[key]
	if !ok {
		return false
	}
	if _, ok := group[subID]; !ok {
		return false
	}
	delete(group, subID)
	if len(group) == 0 {
		delete(s.groups, key)
	}
	return true
}

// Publish delivers msg to every member of the group and returns how many
// accepted it. A failing member is logged and skipped.
func (r *Router) Publish(key envelope.GroupKey, msg *store.Message) int {
	s := r.shardFor(key)
	s.mu.RLock()
	group := s.groups[key]
	targets := make([]Subscriber, 0, len(group))
	for _, sub := range group {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	delivered, failed := 0, 0
	for _, sub := range targets {
		if err := safeSend(sub, msg); err != nil {
			failed++
			r.logger.Debug("send to subscriber failed",
				"subscriber", sub.ID(),
				"group", key.String(),
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	if r.observer != nil {
		r.observer.ObserveFanout(delivered, failed)
	}
	return delivered
}

// safeSend isolates a panicking Send from the other members.
func safeSend(sub Subscriber, msg *store.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panicked: %v", p)
		}
	}()
	return sub.Send(msg)
}

// Count returns the number of members in a group.
func (r *Router) Count(key envelope.GroupKey) int {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[key])
}

// Groups returns the number of non-empty groups.
func (r *Router) Groups() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}
