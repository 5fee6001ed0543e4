// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	threads     map[string]*Thread   // keyed by thread ID
	threadIndex map[ThreadKey]string // identity -> thread ID
	messages    []*Message           // insert order, seq = index+1
	messageIDs  map[string]struct{}  // for duplicate detection

	// AppendErr, when set, is returned by AppendMessage.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:     make(map[string]*Thread),
		threadIndex: make(map[ThreadKey]string),
		messageIDs:  make(map[string]struct{}),
	}
}

// SetAppendErr makes subsequent appends fail with err (nil restores).
func (m *MockStore) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

func (m *MockStore) ensureThreadLocked(key ThreadKey, now time.Time) *Thread {
	if id, ok := m.threadIndex[key]; ok {
		t := m.threads[id]
		t.UpdatedAt = now
		return t
	}
	t := &Thread{
		ID:            uuid.New().String(),
		TenantID:      key.TenantID,
		WorkflowID:    key.WorkflowID,
		ParticipantID: key.ParticipantID,
		Scope:         key.Scope,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.threads[t.ID] = t
	m.threadIndex[key] = t.ID
	return t
}

// EnsureThread returns the thread for key, creating it if absent.
func (m *MockStore) EnsureThread(ctx context.Context, key ThreadKey) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := *m.ensureThreadLocked(key, time.Now().UTC())
	return &result, nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// GetThreadByKey retrieves a thread by its composite identity.
func (m *MockStore) GetThreadByKey(ctx context.Context, key ThreadKey) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.threadIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.threads[id]
	return &result, nil
}

// AppendMessage stores a copy of msg and returns it with server fields set.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return nil, m.AppendErr
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, dup := m.messageIDs[stored.ID]; dup {
		return nil, ErrDuplicateMessage
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	stored.ThreadID = m.ensureThreadLocked(stored.ThreadKey(), stored.CreatedAt).ID
	stored.Seq = int64(len(m.messages) + 1)
	m.messages = append(m.messages, &stored)
	m.messageIDs[stored.ID] = struct{}{}

	result := stored
	return &result, nil
}

// ListMessages returns one page of a thread's history, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, q MessageQuery) (*MessagePage, error) {
	limit := clampLimit(q.Limit)

	var afterSeq int64
	if q.Cursor != "" {
		var err error
		if afterSeq, err = decodeCursor(q.Cursor); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, msg := range m.messages {
		if msg.Seq <= afterSeq || msg.ThreadKey() != q.Key {
			continue
		}
		if q.Direction != "" && msg.Direction != q.Direction {
			continue
		}
		if q.Since != nil && msg.CreatedAt.Before(*q.Since) {
			continue
		}
		c := *msg
		msgs = append(msgs, &c)
		if len(msgs) > limit {
			break
		}
	}
	return buildPage(msgs, limit), nil
}

// MessagesAfter returns up to limit messages with seq greater than the given one.
func (m *MockStore) MessagesAfter(ctx context.Context, seq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for i := int(max(seq, 0)); i < len(m.messages) && len(msgs) < limit; i++ {
		c := *m.messages[i]
		msgs = append(msgs, &c)
	}
	return msgs, nil
}

// LatestSeq returns the highest assigned seq.
func (m *MockStore) LatestSeq(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.messages)), nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
