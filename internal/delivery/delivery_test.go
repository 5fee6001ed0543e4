// ABOUTME: Tests for the delivery service
// ABOUTME: Uses MockStore and a scripted engine to cover persistence and error mapping

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/address"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/store"
)

type scriptedEngine struct {
	mu      sync.Mutex
	err     error
	signals []*envelope.Envelope
}

func (e *scriptedEngine) Signal(ctx context.Context, env *envelope.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	c := *env
	e.signals = append(e.signals, &c)
	return nil
}

func validEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		TenantID:      "acme",
		WorkflowID:    "acme:Support:Router",
		ParticipantID: "  Bob ",
		Kind:          envelope.KindChat,
		Text:          "hello",
		Authorization: "Bearer secret",
	}
}

func TestDeliver_PersistsInbound(t *testing.T) {
	s := store.NewMockStore()
	eng := &scriptedEngine{}
	svc := New(s, eng, nil)

	res, err := svc.Deliver(context.Background(), validEnvelope())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.NotEmpty(t, res.MessageID)
	assert.NotEmpty(t, res.ThreadID)

	page, err := s.ListMessages(context.Background(), store.MessageQuery{Key: store.ThreadKey{
		TenantID:      "acme",
		WorkflowID:    "acme:Support:Router",
		ParticipantID: "bob",
	}})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)

	msg := page.Messages[0]
	assert.Equal(t, store.DirectionInbound, msg.Direction)
	assert.Equal(t, res.RequestID, msg.RequestID)
	assert.Equal(t, "hello", msg.Text)

	require.Len(t, eng.signals, 1)
	assert.Equal(t, "Bearer secret", eng.signals[0].Authorization)
	assert.Equal(t, "bob", eng.signals[0].ParticipantID)
}

func TestDeliver_KeepsCallerRequestID(t *testing.T) {
	svc := New(store.NewMockStore(), &scriptedEngine{}, nil)

	env := validEnvelope()
	env.RequestID = "r1"
	res, err := svc.Deliver(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RequestID)
}

func TestDeliver_ValidationFailsBeforeEngine(t *testing.T) {
	eng := &scriptedEngine{}
	svc := New(store.NewMockStore(), eng, nil)

	env := validEnvelope()
	env.Kind = "smoke-signal"
	_, err := svc.Deliver(context.Background(), env)
	assert.ErrorIs(t, err, envelope.ErrValidation)

	env = validEnvelope()
	env.WorkflowID = "globex:Support:Router"
	_, err = svc.Deliver(context.Background(), env)
	assert.ErrorIs(t, err, address.ErrAddressMismatch)

	assert.Empty(t, eng.signals)
}

func TestDeliver_EngineFailure(t *testing.T) {
	s := store.NewMockStore()
	svc := New(s, &scriptedEngine{err: errors.New("connection refused")}, nil)

	_, err := svc.Deliver(context.Background(), validEnvelope())
	assert.ErrorIs(t, err, envelope.ErrUpstreamUnavailable)

	seq, _ := s.LatestSeq(context.Background())
	assert.Zero(t, seq, "nothing persisted when the engine is down")
}

func TestDeliver_EngineValidationPassesThrough(t *testing.T) {
	svc := New(store.NewMockStore(), &scriptedEngine{err: envelope.ErrValidation}, nil)

	_, err := svc.Deliver(context.Background(), validEnvelope())
	assert.ErrorIs(t, err, envelope.ErrValidation)
	assert.NotErrorIs(t, err, envelope.ErrUpstreamUnavailable)
}

func TestDeliver_StoreFailure(t *testing.T) {
	s := store.NewMockStore()
	s.SetAppendErr(errors.New("disk full"))
	svc := New(s, &scriptedEngine{}, nil)

	_, err := svc.Deliver(context.Background(), validEnvelope())
	assert.ErrorIs(t, err, envelope.ErrUpstreamUnavailable)
}

func TestRecordReply_Outbound(t *testing.T) {
	s := store.NewMockStore()
	eng := &scriptedEngine{}
	svc := New(s, eng, nil)

	reply := validEnvelope()
	reply.RequestID = "r1"
	msg, err := svc.RecordReply(context.Background(), reply)
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Empty(t, eng.signals, "replies are not signalled back to the engine")
}

func TestDeliver_Observer(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	svc := New(store.NewMockStore(), &scriptedEngine{}, nil, WithObserver(func(dir store.Direction, took time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	}))

	_, _ = svc.Deliver(context.Background(), validEnvelope())
	bad := validEnvelope()
	bad.TenantID = ""
	_, _ = svc.Deliver(context.Background(), bad)

	require.Len(t, seen, 2)
	assert.NoError(t, seen[0])
	assert.Error(t, seen[1])
}
