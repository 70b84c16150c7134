package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	ErrMissingToken = errors.New("missing auth token")
	ErrTokenExpired = errors.New("auth token expired")
	ErrInvalidToken = errors.New("invalid auth token")
)

const (
	userIdClaim = "user-id"
	subClaim    = "sub"
	expClaim    = "exp"
)

type Claims struct {
	UserId    string
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims reads the claims of tokenString without verifying its
// signature. The push server verifies the token; the client only needs the
// claims to fail fast on tokens it already knows the server will reject.
func ParseClaims(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrMissingToken
	}

	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	var claims Claims
	switch id := mc[userIdClaim].(type) {
	case string:
		claims.UserId = id
	case float64:
		claims.UserId = fmt.Sprintf("%d", int64(id))
	}
	if claims.UserId == "" {
		if sub, ok := mc[subClaim].(string); ok {
			claims.UserId = sub
		}
	}

	if exp, ok := mc[expClaim].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}

	return claims, nil
}

// Validate parses tokenString and rejects it if it is expired at now.
func Validate(tokenString string, now time.Time) (Claims, error) {
	claims, err := ParseClaims(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if claims.Expired(now) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}
