// ABOUTME: In-process registry of callers waiting on workflow replies
// ABOUTME: Each entry completes once via CAS: resolved, timed out, or cancelled

package pending

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/weave-gateway/internal/store"
)

var (
	// ErrDuplicateRequestID is returned when the tenant already has a wait
	// under the id in this process.
	ErrDuplicateRequestID = errors.New("request id already pending")

	// ErrEmptyRequestID is returned when registering without an id.
	ErrEmptyRequestID = errors.New("request id is required")

	// ErrEmptyTenantID is returned when registering without a tenant.
	ErrEmptyTenantID = errors.New("tenant id is required")

	// ErrClosed is returned when registering after Close.
	ErrClosed = errors.New("pending registry closed")
)

// key scopes request ids to a tenant. Two tenants may use the same id
// without seeing or completing each other's waits.
type key struct {
	tenantID  string
	requestID string
}

// Outcome is the terminal state of a wait.
type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeResolved
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeResolved:
		return "resolved"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Wait is the handle a caller blocks on.
type Wait struct {
	key       key
	createdAt time.Time
	deadline  time.Time

	state atomic.Int32
	timer atomic.Pointer[time.Timer]
	done  chan struct{}
	reply *store.Message // written once before done is closed
}

// RequestID returns the id the wait is registered under.
func (w *Wait) RequestID() string { return w.key.requestID }

// TenantID returns the tenant that owns the wait.
func (w *Wait) TenantID() string { return w.key.tenantID }

// Deadline returns when the wait times out.
func (w *Wait) Deadline() time.Time { return w.deadline }

// Done is closed when the wait reaches a terminal outcome.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Outcome returns the current state.
func (w *Wait) Outcome() Outcome { return Outcome(w.state.Load()) }

// Reply returns the resolving message. Only meaningful after Done is closed
// with OutcomeResolved.
func (w *Wait) Reply() *store.Message {
	select {
	case <-w.done:
		return w.reply
	default:
		return nil
	}
}

// complete applies an outcome if none has been applied yet.
func (w *Wait) complete(o Outcome, reply *store.Message) bool {
	if !w.state.CompareAndSwap(int32(OutcomePending), int32(o)) {
		return false
	}
	if t := w.timer.Load(); t != nil {
		t.Stop()
	}
	w.reply = reply
	close(w.done)
	return true
}

// Observer is notified once per completed wait.
type Observer func(outcome Outcome, waited time.Duration)

// Registry maps (tenant, request id) pairs to waits. It is safe for
// concurrent use.
type Registry struct {
	entries  sync.Map // key -> *Wait
	active   atomic.Int64
	closed   atomic.Bool
	observer Observer
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers a callback invoked for every terminal outcome.
func WithObserver(fn Observer) Option {
	return func(r *Registry) { r.observer = fn }
}

// New creates a registry. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "pending")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a wait for the tenant's requestID that times out at
// deadline. It fails with ErrDuplicateRequestID while another wait of the
// same tenant holds the id.
func (r *Registry) Register(tenantID, requestID string, deadline time.Time) (*Wait, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}

	k := key{tenantID: tenantID, requestID: requestID}
	w := &Wait{
		key:       k,
		createdAt: time.Now(),
		deadline:  deadline,
		done:      make(chan struct{}),
	}
	if _, loaded := r.entries.LoadOrStore(k, w); loaded {
		return nil, ErrDuplicateRequestID
	}
	r.active.Add(1)

	// Close may have ranged over the map before this entry landed
	if r.closed.Load() {
		r.finish(w, OutcomeCancelled, nil)
		return nil, ErrClosed
	}

	// A timer firing after another outcome is a no-op
	w.timer.Store(time.AfterFunc(time.Until(deadline), func() {
		if r.finish(w, OutcomeTimedOut, nil) {
			r.logger.Debug("wait timed out", "tenant_id", tenantID, "request_id", requestID)
		}
	}))

	r.logger.Debug("wait registered", "tenant_id", tenantID, "request_id", requestID, "deadline", deadline)
	return w, nil
}

// Resolve completes the tenant's wait for requestID with reply. It returns
// false, never an error, when no active wait matches. A reply from another
// tenant never matches.
func (r *Registry) Resolve(tenantID, requestID string, reply *store.Message) bool {
	w, ok := r.load(tenantID, requestID)
	if !ok {
		return false
	}
	return r.finish(w, OutcomeResolved, reply)
}

// Cancel completes the tenant's wait for requestID as cancelled. It
// returns false when no active wait matches.
func (r *Registry) Cancel(tenantID, requestID string) bool {
	w, ok := r.load(tenantID, requestID)
	if !ok {
		return false
	}
	return r.finish(w, OutcomeCancelled, nil)
}

// Len returns the number of active waits.
func (r *Registry) Len() int {
	return int(r.active.Load())
}

// Close cancels every active wait and rejects later registrations.
func (r *Registry) Close() {
	r.closed.Store(true)
	r.entries.Range(func(key, value any) bool {
		if w, ok := value.(*Wait); ok {
			r.finish(w, OutcomeCancelled, nil)
		}
		return true
	})
}

func (r *Registry) load(tenantID, requestID string) (*Wait, bool) {
	if tenantID == "" || requestID == "" {
		return nil, false
	}
	v, ok := r.entries.Load(key{tenantID: tenantID, requestID: requestID})
	if !ok {
		return nil, false
	}
	w, ok := v.(*Wait)
	return w, ok
}

// finish applies the outcome and removes the entry. Only the winner of the
// CAS removes it, and only if the map still holds this exact wait.
func (r *Registry) finish(w *Wait, o Outcome, reply *store.Message) bool {
	if !w.complete(o, reply) {
		return false
	}
	r.entries.CompareAndDelete(w.key, w)
	r.active.Add(-1)

	if r.observer != nil {
		r.observer(o, time.Since(w.createdAt))
	}
	return true
}
