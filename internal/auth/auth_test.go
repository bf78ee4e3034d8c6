package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("user-123", time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", got)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	other, err := NewJWTVerifier([]byte("different-secret")).Generate("user-123", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-123"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: other},
		{name: "alg none", token: none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("user-123", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(testSecret).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTAuthenticator(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate("user-1", time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("bearer token", func(t *testing.T) {
		id, err := NewJWTAuthenticator(v, false).Authenticate(ctx, Credentials{Token: token, RemoteAddr: "10.0.0.1:5555"})
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: "user-1", Subject: "user-1"}, id)
	})

	t.Run("bad token is rejected even when anonymous is allowed", func(t *testing.T) {
		_, err := NewJWTAuthenticator(v, true).Authenticate(ctx, Credentials{Token: "nope", RemoteAddr: "10.0.0.1:5555"})
		assert.True(t, errx.Is(err, errx.CodeUnauthenticated))
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := NewJWTAuthenticator(v, false).Authenticate(ctx, Credentials{RemoteAddr: "10.0.0.1:5555"})
		assert.True(t, errx.Is(err, errx.CodeUnauthenticated))
	})

	t.Run("anonymous keyed by ip", func(t *testing.T) {
		id, err := NewJWTAuthenticator(v, true).Authenticate(ctx, Credentials{RemoteAddr: "10.0.0.1:5555"})
		require.NoError(t, err)
		assert.True(t, id.Anonymous)
		assert.Equal(t, "10.0.0.1", id.Subject)
		assert.Equal(t, "anon:10.0.0.1", id.UserID)
	})

	t.Run("token cannot claim an anonymous id", func(t *testing.T) {
		forged, err := v.Generate("anon:10.0.0.1", time.Hour)
		require.NoError(t, err)
		_, err = NewJWTAuthenticator(v, true).Authenticate(ctx, Credentials{Token: forged})
		assert.True(t, errx.Is(err, errx.CodeUnauthenticated))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
