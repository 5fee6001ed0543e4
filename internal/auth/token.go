// ABOUTME: JWT token verification and minting for tenant-scoped callers
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the JWT claims the gateway issues and accepts.
type Claims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and mints HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns the tenant and participant it names.
func (v *JWTVerifier) Verify(tokenString string) (tenantID, participantID string, err error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", ErrInvalidToken
	}

	if claims.Tenant == "" {
		return "", "", fmt.Errorf("%w: tenant", ErrMissingClaim)
	}
	if strings.Contains(claims.Tenant, ":") {
		return "", "", fmt.Errorf("%w: tenant contains ':'", ErrInvalidToken)
	}
	return claims.Tenant, claims.Subject, nil
}

// Generate mints a token for the tenant and optional participant.
func (v *JWTVerifier) Generate(tenantID, participantID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Tenant: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    "weave-gateway",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// looksLikeJWT reports whether s has the three dot-separated JWS segments.
func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
