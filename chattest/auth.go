package chattest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/putto11262002/pawchat/pkg/router"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims are carried by the tokens the backend issues. Subject is the uid.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for uid that expires after ttl.
func (b *Backend) IssueToken(uid string, ttl time.Duration) (string, error) {
	now := b.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    "pawchat",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

// VerifyToken returns the uid a token was issued for.
func (b *Backend) VerifyToken(token string) (string, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithTimeFunc(b.now))

	switch {
	case err == nil && t.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrTokenExpired
	default:
		return "", ErrTokenInvalid
	}
	if claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	b.mu.RLock()
	_, ok := b.users[claims.Subject]
	b.mu.RUnlock()
	if !ok {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

type uidKey struct{}

func contextWithUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidKey{}, uid)
}

// uidFromRequest returns the user attached by bearerAuth.
// It panics in handlers that are not protected by bearerAuth.
func uidFromRequest(r *http.Request) string {
	uid, ok := r.Context().Value(uidKey{}).(string)
	if !ok {
		panic("uid not found in request context: call this function in handlers that are protected by bearerAuth")
	}
	return uid
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// bearerAuth verifies the bearer token of the request and attaches its uid
// to the request context.
func (b *Backend) bearerAuth(next http.Handler) router.HandlerFunc {
	authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	return func(w http.ResponseWriter, r *http.Request) error {
		token, ok := bearerToken(r)
		if !ok {
			return authErr
		}
		uid, err := b.VerifyToken(token)
		if err != nil {
			return router.NewJsonError(http.StatusUnauthorized, err.Error())
		}
		next.ServeHTTP(w, r.WithContext(contextWithUID(r.Context(), uid)))
		return nil
	}
}
