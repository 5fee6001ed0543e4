// ABOUTME: Tests for the change-feed listener
// ABOUTME: Uses a scripted feed to cover resolution, fan-out, dedupe, panics, and resume

package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/feed"
	"github.com/2389/weave-gateway/internal/pending"
	"github.com/2389/weave-gateway/internal/store"
)

// scriptedFeed plays one batch of records per Watch call, then fails the
// watch (to force a resume) or blocks until cancelled.
type scriptedFeed struct {
	mu      sync.Mutex
	batches [][]record
	froms   []feed.Position
	head    feed.Position
}

type record struct {
	pos feed.Position
	msg *store.Message
}

func (f *scriptedFeed) Head(ctx context.Context) (feed.Position, error) {
	return f.head, nil
}

func (f *scriptedFeed) Watch(ctx context.Context, from feed.Position, fn feed.Handler) error {
	f.mu.Lock()
	f.froms = append(f.froms, from)
	var batch []record
	last := len(f.batches) == 0
	if !last {
		batch = f.batches[0]
		f.batches = f.batches[1:]
		last = len(f.batches) == 0
	}
	f.mu.Unlock()

	for _, r := range batch {
		fn(r.pos, r.msg)
	}
	if !last {
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return nil
}

func (f *scriptedFeed) Close() error { return nil }

func (f *scriptedFeed) watchedFrom() []feed.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.Position(nil), f.froms...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []envelope.GroupKey
	ids  []string
	boom string
}

func (p *recordingPublisher) Publish(key envelope.GroupKey, msg *store.Message) int {
	if msg.ID == p.boom {
		panic("subscriber exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.ids = append(p.ids, msg.ID)
	return 1
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func message(id string, dir store.Direction, requestID string) *store.Message {
	return &store.Message{
		ID:            id,
		RequestID:     requestID,
		TenantID:      "acme",
		WorkflowID:    "acme:Support:Router",
		ParticipantID: "Bob",
		Direction:     dir,
	}
}

func runListener(t *testing.T, l *Listener) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, l.Run(ctx))
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func fastConfig() Config {
	return Config{RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond, DedupeTTL: time.Minute}
}

func TestListener_ResolvesOutboundAndPublishesAll(t *testing.T) {
	reg := pending.New(nil)
	w, err := reg.Register("acme", "r1", time.Now().Add(time.Second))
	require.NoError(t, err)

	f := &scriptedFeed{head: "0", batches: [][]record{{
		{"1", message("m1", store.DirectionInbound, "r1")},
		{"2", message("m2", store.DirectionOutbound, "r1")},
	}}}
	pub := &recordingPublisher{}
	l := New(f, reg, pub, fastConfig(), nil)
	runListener(t, l)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("wait was not resolved")
	}
	assert.Equal(t, pending.OutcomeResolved, w.Outcome())
	assert.Equal(t, "m2", w.Reply().ID, "inbound messages never resolve a wait")

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, time.Millisecond)
	pub.mu.Lock()
	assert.Equal(t, "bob", pub.keys[0].ParticipantID)
	pub.mu.Unlock()
	assert.Equal(t, feed.Position("2"), l.Position())
}

func TestListener_ResumesFromLastPositionAndDedupes(t *testing.T) {
	f := &scriptedFeed{head: "10", batches: [][]record{
		{{"11", message("m11", store.DirectionInbound, "")}},
		// The resumed watch overlaps and replays m11.
		{{"11", message("m11", store.DirectionInbound, "")}, {"12", message("m12", store.DirectionInbound, "")}},
	}}
	pub := &recordingPublisher{}
	l := New(f, pending.New(nil), pub, fastConfig(), nil)
	runListener(t, l)

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m11", "m12"}, pub.published())

	require.Eventually(t, func() bool { return len(f.watchedFrom()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []feed.Position{"10", "11"}, f.watchedFrom())
}

func TestListener_PanicSkipsRecord(t *testing.T) {
	f := &scriptedFeed{head: "0", batches: [][]record{{
		{"1", message("bad", store.DirectionInbound, "")},
		{"2", message("good", store.DirectionInbound, "")},
	}}}
	pub := &recordingPublisher{boom: "bad"}
	l := New(f, pending.New(nil), pub, fastConfig(), nil)
	runListener(t, l)

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"good"}, pub.published())
	assert.Equal(t, feed.Position("2"), l.Position())
}

func TestListener_ReplyFromOtherTenantDoesNotResolve(t *testing.T) {
	reg := pending.New(nil)
	w, err := reg.Register("acme", "r1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	forged := message("m1", store.DirectionOutbound, "r1")
	forged.TenantID = "globex"
	forged.WorkflowID = "globex:Other:Flow"
	f := &scriptedFeed{head: "0", batches: [][]record{{{"1", forged}}}}
	pub := &recordingPublisher{}
	l := New(f, reg, pub, fastConfig(), nil)
	runListener(t, l)

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, pending.OutcomePending, w.Outcome())
	assert.Equal(t, 1, reg.Len())
}

func TestListener_LateReplyIsNoOp(t *testing.T) {
	f := &scriptedFeed{head: "0", batches: [][]record{{
		{"1", message("m1", store.DirectionOutbound, "nobody-waiting")},
	}}}
	pub := &recordingPublisher{}
	l := New(f, pending.New(nil), pub, fastConfig(), nil)
	runListener(t, l)

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, time.Millisecond)
}

func TestListener_HealthyWhileAttached(t *testing.T) {
	f := &scriptedFeed{head: "0"}
	l := New(f, pending.New(nil), &recordingPublisher{}, fastConfig(), nil)
	assert.False(t, l.Healthy())

	cancel := runListener(t, l)
	require.Eventually(t, l.Healthy, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !l.Healthy() }, time.Second, time.Millisecond)
}

func TestListener_WithPollFeed(t *testing.T) {
	s := store.NewMockStore()
	reg := pending.New(nil)
	pub := &recordingPublisher{}
	l := New(feed.NewPollFeed(s, 5*time.Millisecond, 10, nil), reg, pub, fastConfig(), nil)
	runListener(t, l)

	require.Eventually(t, l.Healthy, time.Second, time.Millisecond)
	w, err := reg.Register("acme", "r9", time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = s.AppendMessage(context.Background(), message("", store.DirectionOutbound, "r9"))
	require.NoError(t, err)

	select {
	case <-w.Done():
		assert.Equal(t, pending.OutcomeResolved, w.Outcome())
	case <-time.After(time.Second):
		t.Fatal("reply never observed")
	}
}
