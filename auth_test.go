package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher(2, 4)
	ctx := context.Background()

	hash, err := h.Hash(ctx, "Secret1")
	require.NoError(t, err)
	require.NotEqual(t, "Secret1", hash)

	assert.True(t, h.Compare(ctx, hash, "Secret1"))
	assert.False(t, h.Compare(ctx, hash, "secret1"))
	assert.False(t, h.Compare(ctx, hash, "Secret1 "))
	assert.False(t, h.Compare(ctx, hash, ""))
}

func TestHasherCancelledContext(t *testing.T) {
	h := NewHasher(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Hash(ctx, "Secret1")
	require.Error(t, err)
	assert.False(t, h.Compare(ctx, "whatever", "Secret1"))
}

func TestGenToken(t *testing.T) {
	a, err := genToken(32)
	require.NoError(t, err)
	b, err := genToken(32)
	require.NoError(t, err)

	assert.Len(t, a, 64) // hex-encoded
	assert.NotEqual(t, a, b)
}

func TestSecretsEqual(t *testing.T) {
	assert.True(t, secretsEqual("abc", "abc"))
	assert.False(t, secretsEqual("abc", "abd"))
	assert.False(t, secretsEqual("abc", "abcd"))
	assert.False(t, secretsEqual("abc", ""))
}

func TestAccessTokenSignAndParse(t *testing.T) {
	jwtSecret = []byte("test-secret")
	now := time.Now()
	rec := &AccessTokenRecord{
		ID:        "token-id-1",
		UserID:    42,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
		Elevation: ElevationNone,
	}

	signed, err := signAccessToken(rec, "urn:authd:client:7")
	require.NoError(t, err)

	claims, err := parseAccessToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "token-id-1", claims.ID)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "urn:authd:client:7", claims.ClientID)
}

func TestAccessTokenParseRejectsTampering(t *testing.T) {
	jwtSecret = []byte("test-secret")
	now := time.Now()
	rec := &AccessTokenRecord{
		ID:        "token-id-2",
		UserID:    1,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
		Elevation: ElevationNone,
	}
	signed, err := signAccessToken(rec, "")
	require.NoError(t, err)

	_, err = parseAccessToken(signed + "x")
	assert.Error(t, err)

	_, err = parseAccessToken("not-a-token")
	assert.Error(t, err)
}

func TestAccessTokenParseRejectsExpired(t *testing.T) {
	jwtSecret = []byte("test-secret")
	now := time.Now()
	rec := &AccessTokenRecord{
		ID:        "token-id-3",
		UserID:    1,
		IssuedAt:  now.Add(-2 * time.Hour).Unix(),
		ExpiresAt: now.Add(-time.Hour).Unix(),
		Elevation: ElevationNone,
	}
	signed, err := signAccessToken(rec, "")
	require.NoError(t, err)

	_, err = parseAccessToken(signed)
	assert.Error(t, err)
}

func TestParseClientURN(t *testing.T) {
	id, ok := parseClientURN(clientURN(15))
	require.True(t, ok)
	assert.Equal(t, int64(15), id)

	_, ok = parseClientURN("15")
	assert.False(t, ok)
	_, ok = parseClientURN("urn:authd:client:")
	assert.False(t, ok)
	_, ok = parseClientURN("urn:authd:client:-3")
	assert.False(t, ok)
	_, ok = parseClientURN("urn:other:client:3")
	assert.False(t, ok)
}
