package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *JWTManager {
	return NewJWTManager("test-secret-key-for-unit-tests", time.Hour, 7*24*time.Hour)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestManager()

	token, err := m.GenerateAccessToken(42, "alice@example.com", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, "whiteboard-api", claims.Issuer)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	m := newTestManager()

	token, err := m.GenerateRefreshToken(42)
	require.NoError(t, err)

	userID, err := m.ValidateRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	m := NewJWTManager("test-secret-key-for-unit-tests", -time.Minute, -time.Minute)

	token, err := m.GenerateAccessToken(42, "alice@example.com", "alice")
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestWrongSecretRejected(t *testing.T) {
	m := newTestManager()
	other := NewJWTManager("a-completely-different-secret", time.Hour, time.Hour)

	token, err := m.GenerateAccessToken(42, "alice@example.com", "alice")
	require.NoError(t, err)

	_, err = other.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGarbageTokenRejected(t *testing.T) {
	m := newTestManager()

	_, err := m.ValidateAccessToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateRefreshToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	m := newTestManager()

	refresh, err := m.GenerateRefreshToken(42)
	require.NoError(t, err)

	// A refresh token parses as Claims but carries no identity fields,
	// so the access path must not yield a usable user.
	claims, err := m.ValidateAccessToken(refresh)
	if err == nil {
		assert.Zero(t, claims.UserID)
		assert.Empty(t, claims.Email)
	}
}
