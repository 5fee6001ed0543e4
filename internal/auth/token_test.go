// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and tenant claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("acme", "bob", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tenant, participant, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if tenant != "acme" || participant != "bob" {
		t.Errorf("Verify() = (%q, %q), want (acme, bob)", tenant, participant)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret-different-secret")).Generate("acme", "bob", time.Hour)
				return token
			}(),
		},
		{
			name: "none algorithm",
			token: func() string {
				token, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Tenant: "acme"}).
					SignedString(jwt.UnsafeAllowNoneSignatureType)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("acme", "bob", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, _, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingTenant(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("", "bob", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, _, err = verifier.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_TenantWithSeparator(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, _ := verifier.Generate("ac:me", "bob", time.Hour)
	if _, _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestLooksLikeJWT(t *testing.T) {
	if !looksLikeJWT("a.b.c") {
		t.Error("three segments should look like a JWT")
	}
	if looksLikeJWT("wk_abcdef") {
		t.Error("an api key should not look like a JWT")
	}
}
