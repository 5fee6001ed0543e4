// ABOUTME: Change feed that tails the store's insert sequence
// ABOUTME: Polls on an interval and wakes early on database notifications when available

package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/2389/weave-gateway/internal/store"
)

// Notifier pushes wakeups when new rows are committed.
// store.PostgresStore satisfies it.
type Notifier interface {
	Listen(ctx context.Context, wake func()) error
}

// PollFeed reads store.MessagesAfter in batches.
type PollFeed struct {
	store     store.Store
	interval  time.Duration
	batchSize int
	notifier  Notifier
	logger    *slog.Logger
}

// PollOption configures a PollFeed.
type PollOption func(*PollFeed)

// WithNotifier wakes the poll loop as soon as the notifier fires.
func WithNotifier(n Notifier) PollOption {
	return func(f *PollFeed) {
		f.notifier = n
	}
}

// NewPollFeed creates a feed over s.
func NewPollFeed(s store.Store, interval time.Duration, batchSize int, logger *slog.Logger, opts ...PollOption) *PollFeed {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	f := &PollFeed{
		store:     s,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "poll-feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func seqPosition(seq int64) Position {
	return Position(strconv.FormatInt(seq, 10))
}

func parseSeq(pos Position) (int64, error) {
	seq, err := strconv.ParseInt(string(pos), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPosition, pos)
	}
	return seq, nil
}

// Head returns the latest stored seq.
func (f *PollFeed) Head(ctx context.Context) (Position, error) {
	seq, err := f.store.LatestSeq(ctx)
	if err != nil {
		return "", fmt.Errorf("reading latest seq: %w", err)
	}
	return seqPosition(seq), nil
}

// Watch tails the store until ctx is done or a read fails.
func (f *PollFeed) Watch(ctx context.Context, from Position, fn Handler) error {
	if from == "" {
		head, err := f.Head(ctx)
		if err != nil {
			return err
		}
		from = head
	}
	seq, err := parseSeq(from)
	if err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	if f.notifier != nil {
		go f.listen(ctx, wake)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		msgs, err := f.store.MessagesAfter(ctx, seq, f.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading feed after seq %d: %w", seq, err)
		}

		for _, msg := range msgs {
			seq = msg.Seq
			fn(seqPosition(seq), msg)
		}

		// A full batch means there is probably more waiting.
		if len(msgs) == f.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (f *PollFeed) listen(ctx context.Context, wake chan<- struct{}) {
	err := f.notifier.Listen(ctx, func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil && ctx.Err() == nil {
		f.logger.Warn("notification listener stopped, falling back to polling", "error", err)
	}
}

// Close is a no-op; the store is owned by the caller.
func (f *PollFeed) Close() error {
	return nil
}
