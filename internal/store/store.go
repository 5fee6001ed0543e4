// ABOUTME: Store interface and data types for weave-gateway persistence
// ABOUTME: Defines Thread, Message structs and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// ErrDuplicateMessage is returned when a message id is reused
var ErrDuplicateMessage = errors.New("message already exists")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// Direction tells whether a message travelled toward the workflow or back from it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // caller -> workflow
	DirectionOutbound Direction = "outbound" // workflow -> caller
)

// ThreadKey is the composite identity of a thread.
type ThreadKey struct {
	TenantID      string
	WorkflowID    string
	ParticipantID string
	Scope         string
}

// Thread is the durable conversation between one participant and one workflow,
// optionally narrowed by scope.
type Thread struct {
	ID            string
	TenantID      string
	WorkflowID    string
	ParticipantID string
	Scope         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the thread's composite identity.
func (t *Thread) Key() ThreadKey {
	return ThreadKey{
		TenantID:      t.TenantID,
		WorkflowID:    t.WorkflowID,
		ParticipantID: t.ParticipantID,
		Scope:         t.Scope,
	}
}

// Message is a persisted envelope. Seq is the server-assigned insert position
// that orders the change feed. Credentials are never stored.
type Message struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	ThreadID      string          `json:"thread_id"`
	RequestID     string          `json:"request_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	WorkflowID    string          `json:"workflow_id"`
	ParticipantID string          `json:"participant_id"`
	Scope         string          `json:"scope,omitempty"`
	Kind          string          `json:"kind"`
	Direction     Direction       `json:"direction"`
	Text          string          `json:"text,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ThreadKey returns the identity of the thread the message belongs to.
func (m *Message) ThreadKey() ThreadKey {
	return ThreadKey{
		TenantID:      m.TenantID,
		WorkflowID:    m.WorkflowID,
		ParticipantID: m.ParticipantID,
		Scope:         m.Scope,
	}
}

// MessageQuery selects a page of a thread's history.
type MessageQuery struct {
	Key       ThreadKey  // Required
	Direction Direction  // Optional: only messages in this direction
	Since     *time.Time // Optional: only messages created at or after this time
	Limit     int        // 1-500, defaults to 50
	Cursor    string     // Opaque cursor from a previous page
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages   []*Message
	NextCursor string
	HasMore    bool
}

// Store defines the interface for thread and message persistence and the
// ordered insert feed the change-feed listener tails.
type Store interface {
	// Threads
	EnsureThread(ctx context.Context, key ThreadKey) (*Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	GetThreadByKey(ctx context.Context, key ThreadKey) (*Thread, error)

	// AppendMessage stores msg in the thread named by its key, creating the
	// thread if absent. ID, ThreadID, Seq and CreatedAt are assigned by the
	// store when empty and the stored copy is returned.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// History
	ListMessages(ctx context.Context, q MessageQuery) (*MessagePage, error)

	// Insert feed
	MessagesAfter(ctx context.Context, seq int64, limit int) ([]*Message, error)
	LatestSeq(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// clampLimit applies the page size defaults.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
