// ABOUTME: Canonical message envelope for inbound and outbound workflow messages
// ABOUTME: Handles kind parsing, participant normalization, validation, and group keys

package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/weave-gateway/internal/address"
)

// Kind classifies an envelope's payload.
type Kind string

const (
	KindChat    Kind = "chat"
	KindData    Kind = "data"
	KindWebhook Kind = "webhook"
)

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindChat, KindData, KindWebhook:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrValidation, s)
	}
}

// Valid reports whether k is on the allow-list.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindData, KindWebhook:
		return true
	}
	return false
}

// Envelope is the unit exchanged in both directions between callers and
// workflow instances.
type Envelope struct {
	RequestID     string          `json:"request_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	WorkflowID    string          `json:"workflow_id"`
	ParticipantID string          `json:"participant_id"`
	Scope         string          `json:"scope,omitempty"`
	Kind          Kind            `json:"kind"`
	Text          string          `json:"text,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Origin        string          `json:"origin,omitempty"`

	// Authorization is forwarded to the workflow engine and never persisted.
	Authorization string `json:"-"`
}

// Params holds the raw caller input for New.
type Params struct {
	RequestID     string
	TenantID      string
	Workflow      string // fully qualified id or bare type
	ParticipantID string
	Scope         string
	Kind          string
	Text          string
	Data          json.RawMessage
	Authorization string
	Origin        string
}

// New builds a normalized, validated envelope from raw caller input.
// The workflow reference is resolved against the tenant.
func New(p Params) (*Envelope, error) {
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}

	addr, err := address.Resolve(p.Workflow, p.TenantID)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		RequestID:     p.RequestID,
		TenantID:      p.TenantID,
		WorkflowID:    addr.WorkflowID,
		ParticipantID: p.ParticipantID,
		Scope:         p.Scope,
		Kind:          kind,
		Text:          p.Text,
		Data:          p.Data,
		Authorization: p.Authorization,
		Origin:        p.Origin,
	}
	env.Normalize()

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// NormalizeParticipant returns the canonical form of a participant id.
func NormalizeParticipant(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Normalize canonicalizes the participant id, scope, and kind in place.
// It is safe to call more than once.
func (e *Envelope) Normalize() {
	e.ParticipantID = NormalizeParticipant(e.ParticipantID)
	e.Scope = strings.TrimSpace(e.Scope)
	e.RequestID = strings.TrimSpace(e.RequestID)
	if k, err := ParseKind(string(e.Kind)); err == nil {
		e.Kind = k
	}
}

// Validate checks the envelope's invariants. Errors wrap ErrValidation,
// except a workflow id outside the tenant, which wraps address.ErrAddressMismatch.
func (e *Envelope) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("%w: workflow is required", ErrValidation)
	}
	if !address.BelongsTo(e.WorkflowID, e.TenantID) {
		return fmt.Errorf("%w: workflow %q is not in tenant %q", address.ErrAddressMismatch, e.WorkflowID, e.TenantID)
	}
	if e.ParticipantID == "" {
		return fmt.Errorf("%w: participant_id is required", ErrValidation)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, e.Kind)
	}
	if (e.Kind == KindChat || e.Kind == KindData) && e.Text == "" && len(e.Data) == 0 {
		return fmt.Errorf("%w: %s message needs text or data", ErrValidation, e.Kind)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrValidation)
	}
	return nil
}

// EnsureRequestID assigns a fresh request id when none is set and returns it.
func (e *Envelope) EnsureRequestID() string {
	if e.RequestID == "" {
		e.RequestID = uuid.New().String()
	}
	return e.RequestID
}

// GroupKey returns the subscriber group this envelope belongs to.
func (e *Envelope) GroupKey() GroupKey {
	return GroupKey{
		TenantID:      e.TenantID,
		WorkflowID:    e.WorkflowID,
		ParticipantID: e.ParticipantID,
		Scope:         e.Scope,
	}
}

// GroupKey identifies a subscriber group. It is comparable and used directly
// as a map key, so ids containing any character cannot collide.
type GroupKey struct {
	TenantID      string
	WorkflowID    string
	ParticipantID string
	Scope         string
}

// NewGroupKey builds a key with the participant id normalized.
func NewGroupKey(tenantID, workflowID, participantID, scope string) GroupKey {
	return GroupKey{
		TenantID:      tenantID,
		WorkflowID:    workflowID,
		ParticipantID: NormalizeParticipant(participantID),
		Scope:         strings.TrimSpace(scope),
	}
}

// String renders the key for logs. It is not a unique encoding.
func (k GroupKey) String() string {
	if k.Scope == "" {
		return fmt.Sprintf("%s/%s", k.WorkflowID, k.ParticipantID)
	}
	return fmt.Sprintf("%s/%s#%s", k.WorkflowID, k.ParticipantID, k.Scope)
}
