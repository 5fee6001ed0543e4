// ABOUTME: API key verification against bcrypt hashes from configuration
// ABOUTME: Successful matches are cached by key digest so bcrypt runs once per key

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownAPIKey is returned when no configured hash matches.
var ErrUnknownAPIKey = errors.New("unknown api key")

// APIKey binds a hashed key to an identity.
type APIKey struct {
	TenantID      string
	ParticipantID string
	Hash          string
}

type keyIdentity struct {
	tenantID      string
	participantID string
}

// APIKeyVerifier checks presented keys against bcrypt hashes.
type APIKeyVerifier struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]keyIdentity
}

// NewAPIKeyVerifier creates a verifier for the given keys.
func NewAPIKeyVerifier(keys []APIKey) *APIKeyVerifier {
	return &APIKeyVerifier{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]keyIdentity),
	}
}

// Verify returns the identity bound to key.
func (v *APIKeyVerifier) Verify(key string) (tenantID, participantID string, err error) {
	if key == "" {
		return "", "", ErrUnknownAPIKey
	}
	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	id, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return id.tenantID, id.participantID, nil
	}

	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
			id = keyIdentity{tenantID: k.TenantID, participantID: k.ParticipantID}
			v.mu.Lock()
			v.verified[digest] = id
			v.mu.Unlock()
			return id.tenantID, id.participantID, nil
		}
	}
	return "", "", ErrUnknownAPIKey
}

// Len returns the number of configured keys.
func (v *APIKeyVerifier) Len() int {
	return len(v.keys)
}

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	key = "wk_" + base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing api key: %w", err)
	}
	return key, string(h), nil
}
