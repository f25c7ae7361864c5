package core

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, username string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AuthClaims{
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := token.SignedString([]byte("server-secret"))
	require.Nil(t, err)
	return s
}

func TestInspectToken(t *testing.T) {
	now := time.Now()

	claims, err := InspectToken(signToken(t, "alice", now.Add(time.Hour)), now)
	require.Nil(t, err)
	assert.Equal(t, "alice", claims.Username())
	assert.Equal(t, "access", claims.Type)

	_, err = InspectToken(signToken(t, "alice", now.Add(-time.Second)), now)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = InspectToken("not-a-jwt", now)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
