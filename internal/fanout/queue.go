// ABOUTME: Buffered channel subscriber shared by the SSE and websocket transports
// ABOUTME: Send never blocks; a full buffer drops the message for that subscriber only

package fanout

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/weave-gateway/internal/store"
)

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 64

var (
	// ErrQueueFull is returned when a subscriber is not keeping up.
	ErrQueueFull = errors.New("subscriber queue full")

	// ErrQueueClosed is returned after the subscriber disconnected.
	ErrQueueClosed = errors.New("subscriber closed")
)

// Queue is a Subscriber backed by a buffered channel. The transport drains
// Messages and calls Close when the connection ends.
type Queue struct {
	id       string
	tenantID string

	mu     sync.RWMutex
	ch     chan *store.Message
	closed bool
}

// NewQueue creates a queue subscriber for tenantID with a random id.
func NewQueue(tenantID string, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		id:       uuid.New().String(),
		tenantID: tenantID,
		ch:       make(chan *store.Message, size),
	}
}

func (q *Queue) ID() string       { return q.id }
func (q *Queue) TenantID() string { return q.tenantID }

// Messages returns the delivery channel. It is closed by Close.
func (q *Queue) Messages() <-chan *store.Message { return q.ch }

// Send enqueues msg without blocking.
func (q *Queue) Send(msg *store.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops delivery. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
