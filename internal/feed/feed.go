// ABOUTME: Feed interface, positions, and the store decorator that publishes committed writes
// ABOUTME: Shared by the poll, JetStream, and Redis Streams drivers

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/weave-gateway/internal/store"
)

// ErrInvalidPosition is returned when a resume position cannot be parsed.
var ErrInvalidPosition = errors.New("invalid feed position")

// Position is an opaque resume token. The empty Position means "now".
type Position string

// Handler receives one message and the position just after it.
type Handler func(pos Position, msg *store.Message)

// Feed is an ordered, resumable stream of newly stored messages.
type Feed interface {
	// Head returns the position of the latest message, so a Watch from it
	// sees only messages stored afterwards.
	Head(ctx context.Context) (Position, error)

	// Watch calls fn for every message after from, in order, until ctx is
	// done (returning nil) or the feed detaches (returning an error).
	// Undecodable records are logged and skipped.
	Watch(ctx context.Context, from Position, fn Handler) error

	Close() error
}

// Publisher appends a committed message to an external stream.
type Publisher interface {
	Publish(ctx context.Context, msg *store.Message) error
}

// PublishingStore wraps a Store so every appended message is also published.
// The database remains the source of truth: a publish failure is logged and
// reported through OnPublishError but does not fail the write.
type PublishingStore struct {
	store.Store
	pub    Publisher
	logger *slog.Logger

	// OnPublishError, when set, is called for every failed publish.
	OnPublishError func(err error)
}

// NewPublishingStore creates the decorator.
func NewPublishingStore(inner store.Store, pub Publisher, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{
		Store:  inner,
		pub:    pub,
		logger: logger.With("component", "feed-publisher"),
	}
}

// AppendMessage stores msg and publishes the stored copy.
func (s *PublishingStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	stored, err := s.Store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := s.pub.Publish(ctx, stored); err != nil {
		s.logger.Error("publishing stored message",
			"message_id", stored.ID,
			"seq", stored.Seq,
			"error", err,
		)
		if s.OnPublishError != nil {
			s.OnPublishError(err)
		}
	}
	return stored, nil
}

func encodeMessage(msg *store.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*store.Message, error) {
	var msg store.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.ID == "" || msg.TenantID == "" || msg.WorkflowID == "" {
		return nil, errors.New("decoding message: missing identity fields")
	}
	return &msg, nil
}
