// ABOUTME: Integration tests for the JetStream and Redis Streams feeds
// ABOUTME: Run only when WEAVE_TEST_NATS_URL or WEAVE_TEST_REDIS_ADDR are set

package feed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/store"
)

// exerciseFeed publishes through a PublishingStore and expects the feed to
// deliver only what was written after Head, in order.
func exerciseFeed(t *testing.T, f Feed, pub Publisher) {
	t.Helper()
	s := NewPublishingStore(store.NewMockStore(), pub, nil)

	appendText(t, s, "before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	head, err := f.Head(ctx)
	require.NoError(t, err)

	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx, head, c.handle) }()

	appendText(t, s, "one")
	appendText(t, s, "two")

	require.Eventually(t, func() bool { return len(c.texts()) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, c.texts())

	cancel()
	assert.NoError(t, <-done)
}

func TestJetStream_Feed(t *testing.T) {
	url := os.Getenv("WEAVE_TEST_NATS_URL")
	if url == "" {
		t.Skip("WEAVE_TEST_NATS_URL not set")
	}
	suffix := uuid.New().String()[:8]

	js, err := NewJetStream(context.Background(), JetStreamConfig{
		URL:     url,
		Stream:  "WEAVE_TEST_" + suffix,
		Subject: "weave.test." + suffix,
		MaxAge:  time.Minute,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Close() })

	exerciseFeed(t, js, js)
}

func TestRedis_Feed(t *testing.T) {
	addr := os.Getenv("WEAVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WEAVE_TEST_REDIS_ADDR not set")
	}

	r, err := NewRedis(context.Background(), RedisConfig{
		Addr:   addr,
		Stream: "weave:test:" + uuid.New().String()[:8],
		MaxLen: 1000,
		Block:  100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.rdb.Del(context.Background(), r.cfg.Stream).Err()
		_ = r.Close()
	})

	exerciseFeed(t, r, r)
}
