// ABOUTME: Tests for message envelope construction and validation
// ABOUTME: Covers participant normalization, kind parsing, and delimiter-safe group keys

package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/weave-gateway/internal/address"
)

func TestNew_NormalizesParticipant(t *testing.T) {
	env, err := New(Params{
		TenantID:      "acme",
		Workflow:      "acme:Support:Router:abc",
		ParticipantID: "  Bob@X.com ",
		Kind:          "Chat",
		Text:          "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "bob@x.com", env.ParticipantID)
	assert.Equal(t, KindChat, env.Kind)
	assert.Equal(t, "acme:Support:Router:abc", env.WorkflowID)
}

func TestNew_ResolvesBareWorkflowType(t *testing.T) {
	env, err := New(Params{
		TenantID:      "acme",
		Workflow:      "Support:Router",
		ParticipantID: "bob",
		Kind:          "data",
		Data:          json.RawMessage(`{"order":42}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "acme:Support:Router", env.WorkflowID)
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(Params{
		TenantID:      "acme",
		Workflow:      "Support",
		ParticipantID: "bob",
		Kind:          "telegram",
		Text:          "hi",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNew_RejectsCrossTenantWorkflow(t *testing.T) {
	_, err := New(Params{
		TenantID:      "acme",
		Workflow:      "globex:Support:Router",
		ParticipantID: "bob",
		Kind:          "chat",
		Text:          "hi",
	})
	assert.ErrorIs(t, err, address.ErrAddressMismatch)
}

func TestValidate(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{
			TenantID:      "acme",
			WorkflowID:    "acme:Support",
			ParticipantID: "bob",
			Kind:          KindChat,
			Text:          "hi",
		}
	}

	tests := []struct {
		name   string
		mutate func(e *Envelope)
		want   error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"missing tenant", func(e *Envelope) { e.TenantID = "" }, ErrValidation},
		{"missing workflow", func(e *Envelope) { e.WorkflowID = "" }, ErrValidation},
		{"workflow outside tenant", func(e *Envelope) { e.WorkflowID = "globex:Support" }, address.ErrAddressMismatch},
		{"missing participant", func(e *Envelope) { e.ParticipantID = "" }, ErrValidation},
		{"bad kind", func(e *Envelope) { e.Kind = "sms" }, ErrValidation},
		{"chat without body", func(e *Envelope) { e.Text = "" }, ErrValidation},
		{"webhook without body", func(e *Envelope) { e.Kind = KindWebhook; e.Text = "" }, nil},
		{"invalid data", func(e *Envelope) { e.Data = json.RawMessage(`{nope`) }, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	e := &Envelope{ParticipantID: " Alice ", Kind: "WEBHOOK", Scope: " topic "}
	e.Normalize()
	e.Normalize()

	assert.Equal(t, "alice", e.ParticipantID)
	assert.Equal(t, KindWebhook, e.Kind)
	assert.Equal(t, "topic", e.Scope)
}

func TestEnsureRequestID(t *testing.T) {
	e := &Envelope{}
	id := e.EnsureRequestID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, e.EnsureRequestID())

	e = &Envelope{RequestID: "r1"}
	assert.Equal(t, "r1", e.EnsureRequestID())
}

func TestGroupKey_NoConcatenationCollision(t *testing.T) {
	a := GroupKey{TenantID: "t", WorkflowID: "t:ab", ParticipantID: "c"}
	b := GroupKey{TenantID: "t", WorkflowID: "t:a", ParticipantID: "bc"}

	groups := map[GroupKey]int{a: 1, b: 2}
	assert.Len(t, groups, 2)
	assert.NotEqual(t, a, b)
}

func TestNewGroupKey_Normalizes(t *testing.T) {
	k := NewGroupKey("acme", "acme:Support", "Bob@X.com", "")
	env := &Envelope{TenantID: "acme", WorkflowID: "acme:Support", ParticipantID: "bob@x.com"}
	assert.Equal(t, env.GroupKey(), k)
}
