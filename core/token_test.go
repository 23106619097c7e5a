package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, err := TokenExpiry(signedToken(t, "alice", exp))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	got, err = TokenExpiry(signedToken(t, "alice", time.Time{}))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = TokenExpiry("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCachingTokenSource(t *testing.T) {
	now := time.Now()
	var calls atomic.Int32
	src := TokenSourceFunc(func(context.Context) (string, error) {
		calls.Add(1)
		return signedToken(t, "alice", now.Add(time.Hour)), nil
	})
	cache := NewCachingTokenSource(src, time.Minute)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("reuses a token far from expiry", func(t *testing.T) {
		first, err := cache.Token(ctx)
		require.NoError(t, err)
		second, err := cache.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("refreshes within the leeway", func(t *testing.T) {
		cache.now = func() time.Time { return now.Add(time.Hour - 30*time.Second) }
		_, err := cache.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		cache.now = func() time.Time { return now }
	})

	t.Run("refreshes after invalidate", func(t *testing.T) {
		before := calls.Load()
		cache.Invalidate()
		_, err := cache.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+1, calls.Load())
	})
}

func TestCachingTokenSource_OpaqueTokens(t *testing.T) {
	var calls atomic.Int32
	cache := NewCachingTokenSource(TokenSourceFunc(func(context.Context) (string, error) {
		calls.Add(1)
		return "opaque", nil
	}), 0)

	for range 3 {
		token, err := cache.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "opaque", token)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCachingTokenSource_Error(t *testing.T) {
	errBoom := errors.New("boom")
	cache := NewCachingTokenSource(TokenSourceFunc(func(context.Context) (string, error) {
		return "", errBoom
	}), 0)
	_, err := cache.Token(context.Background())
	assert.ErrorIs(t, err, errBoom)
}
