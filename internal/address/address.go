// ABOUTME: Workflow address resolution for tenant-scoped workflow identities
// ABOUTME: Parses raw workflow references and rejects cross-tenant addressing

package address

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the segments of a workflow id.
const Separator = ":"

var (
	// ErrAddressMismatch is returned when a fully qualified workflow id names
	// a tenant other than the caller's.
	ErrAddressMismatch = errors.New("workflow address does not belong to tenant")

	// ErrInvalidAddress is returned for empty references or empty segments.
	ErrInvalidAddress = errors.New("invalid workflow address")
)

// Address is the canonical identity of a workflow instance.
type Address struct {
	TenantID     string
	WorkflowID   string // tenant-prefixed, e.g. "acme:Support:Router:abc"
	WorkflowType string // e.g. "Support:Router"
	AgentName    string // first segment of the type, e.g. "Support"
	InstanceID   string // remaining segments, may be empty
}

// String returns the workflow id.
func (a Address) String() string {
	return a.WorkflowID
}

// Resolve turns a raw workflow reference into an Address for the given tenant.
// A raw value with two or more separators is treated as fully qualified and
// must start with tenantID followed by the separator.
func Resolve(raw, tenantID string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("%w: empty workflow reference", ErrInvalidAddress)
	}
	if tenantID == "" || strings.Contains(tenantID, Separator) {
		return Address{}, fmt.Errorf("%w: invalid tenant %q", ErrInvalidAddress, tenantID)
	}

	workflowID := raw
	if strings.Count(raw, Separator) >= 2 {
		if !strings.HasPrefix(raw, tenantID+Separator) {
			return Address{}, fmt.Errorf("%w: %q is not in tenant %q", ErrAddressMismatch, raw, tenantID)
		}
	} else {
		workflowID = tenantID + Separator + raw
	}

	typePart := strings.TrimPrefix(workflowID, tenantID+Separator)
	segments := strings.Split(typePart, Separator)
	for _, s := range segments {
		if s == "" {
			return Address{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidAddress, raw)
		}
	}

	addr := Address{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		AgentName:  segments[0],
	}
	if len(segments) == 1 {
		addr.WorkflowType = segments[0]
		return addr, nil
	}
	addr.WorkflowType = segments[0] + Separator + segments[1]
	addr.InstanceID = strings.Join(segments[2:], Separator)
	return addr, nil
}

// BelongsTo reports whether workflowID is addressed inside tenantID.
func BelongsTo(workflowID, tenantID string) bool {
	return tenantID != "" && strings.HasPrefix(workflowID, tenantID+Separator) && len(workflowID) > len(tenantID)+1
}
