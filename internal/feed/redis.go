// ABOUTME: Change feed backed by a Redis Stream
// ABOUTME: Positions are stream entry IDs; XREAD BLOCK resumes strictly after the last one

package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/weave-gateway/internal/store"
)

// redisField is the stream entry field holding the JSON message.
const redisField = "message"

// RedisConfig names the Redis server and stream.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	MaxLen    int64         // approximate trim length, 0 for unbounded
	BatchSize int64         // entries per XREAD
	Block     time.Duration // XREAD block time
}

// Redis serves as both the feed and the publisher for a PublishingStore.
type Redis struct {
	cfg    RedisConfig
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger.With("component", "redis-feed"),
	}, nil
}

// Publish appends a stored message to the stream.
func (r *Redis) Publish(ctx context.Context, msg *store.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{redisField: string(data)},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.cfg.Stream, err)
	}
	return nil
}

// Head returns the ID of the newest entry, or "0-0" for an empty stream.
func (r *Redis) Head(ctx context.Context) (Position, error) {
	entries, err := r.rdb.XRevRangeN(ctx, r.cfg.Stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("reading stream head: %w", err)
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return Position(entries[0].ID), nil
}

// Watch reads entries after from until ctx is done or a read fails.
func (r *Redis) Watch(ctx context.Context, from Position, fn Handler) error {
	if from == "" {
		head, err := r.Head(ctx)
		if err != nil {
			return err
		}
		from = head
	}
	last := string(from)

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.cfg.Stream, last},
			Count:   r.cfg.BatchSize,
			Block:   r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xread %s after %s: %w", r.cfg.Stream, last, err)
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				last = entry.ID
				msg, err := decodeEntry(entry)
				if err != nil {
					r.logger.Warn("skipping undecodable entry", "entry_id", entry.ID, "error", err)
					continue
				}
				fn(Position(entry.ID), msg)
			}
		}
	}
}

func decodeEntry(entry redis.XMessage) (*store.Message, error) {
	raw, ok := entry.Values[redisField].(string)
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", redisField)
	}
	return decodeMessage([]byte(raw))
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
