package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// AuthClaims are the claims of the access token issued at login. The server
// puts the username in the subject.
type AuthClaims struct {
	Fresh bool   `json:"fresh,omitempty"`
	Type  string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

func (c *AuthClaims) Username() string {
	return c.Subject
}

// InspectToken decodes token without verifying its signature; only the server
// holds the key. It fails with ErrTokenExpired when the token is expired at now.
func InspectToken(token string, now time.Time) (*AuthClaims, error) {
	claims := &AuthClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}
