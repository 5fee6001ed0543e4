// ABOUTME: Tests for bcrypt API key verification
// ABOUTME: Covers generation, matching, caching, and unknown keys

package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestAPIKeyVerifier_Match(t *testing.T) {
	v := NewAPIKeyVerifier([]APIKey{
		{TenantID: "acme", ParticipantID: "ops", Hash: hashKey(t, "key-one")},
		{TenantID: "globex", Hash: hashKey(t, "key-two")},
	})

	tenant, participant, err := v.Verify("key-two")
	require.NoError(t, err)
	assert.Equal(t, "globex", tenant)
	assert.Empty(t, participant)

	// Second lookup is served from the cache
	tenant, participant, err = v.Verify("key-one")
	require.NoError(t, err)
	tenant, participant, err = v.Verify("key-one")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, "ops", participant)
	assert.Len(t, v.verified, 2)
}

func TestAPIKeyVerifier_Unknown(t *testing.T) {
	v := NewAPIKeyVerifier([]APIKey{{TenantID: "acme", Hash: hashKey(t, "key-one")}})

	_, _, err := v.Verify("key-three")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)

	_, _, err = v.Verify("")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)
}

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "wk_"))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}
