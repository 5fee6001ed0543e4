// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Covers presence, absence, and the panicking accessor

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	want := &AuthContext{TenantID: "acme", ParticipantID: "bob", Method: MethodJWT}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without an AuthContext")
		}
	}()
	MustFromContext(context.Background())
}
