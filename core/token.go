package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenInvalid = errors.New("token invalid")

// TokenSource provides bearer tokens for the current user.
// Token is called before every authorized operation, so implementations are
// expected to return a token that is valid right now.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns a TokenSource that always returns token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// Credentials identifies the local user of a session.
type Credentials struct {
	UserID      string `validate:"required"`
	DisplayName string
	Tokens      TokenSource `validate:"required"`
}

// TokenExpiry returns the expiry of a JWT without verifying its signature.
// A zero time is returned when the token has no exp claim.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

const defaultTokenLeeway = 5 * time.Minute

// CachingTokenSource wraps a TokenSource and reuses the last token until it
// is within leeway of its expiry. Tokens that are not JWTs or have no expiry
// are never reused.
type CachingTokenSource struct {
	src    TokenSource
	leeway time.Duration
	now    func() time.Time

	mu    sync.Mutex
	token string
	exp   time.Time
}

func NewCachingTokenSource(src TokenSource, leeway time.Duration) *CachingTokenSource {
	if leeway <= 0 {
		leeway = defaultTokenLeeway
	}
	return &CachingTokenSource{
		src:    src,
		leeway: leeway,
		now:    time.Now,
	}
}

func (s *CachingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(s.leeway).Before(s.exp) {
		return s.token, nil
	}

	token, err := s.src.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	exp, err := TokenExpiry(token)
	if err != nil || exp.IsZero() {
		s.token, s.exp = "", time.Time{}
		return token, nil
	}
	s.token, s.exp = token, exp
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *CachingTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.exp = "", time.Time{}
}
