package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":  7,
		"username": "alice",
		"exp":      exp.Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestViewerIdentity(t *testing.T) {
	s := New()
	assert.Empty(t, s.Viewer())

	s.SetViewer("alice", 7)
	assert.Equal(t, "alice", s.Viewer())
	assert.Equal(t, int64(7), s.ViewerID())
}

func TestExpiresAt(t *testing.T) {
	s := New()

	_, err := s.ExpiresAt()
	assert.ErrorIs(t, err, ErrNoToken)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s.SetToken(signedToken(t, exp))

	got, err := s.ExpiresAt()
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), got.Unix())
}

func TestExpired(t *testing.T) {
	s := New()
	assert.False(t, s.Expired(time.Now()), "no token means nothing to expire")

	s.SetToken(signedToken(t, time.Now().Add(-time.Minute)))
	assert.True(t, s.Expired(time.Now()))

	s.SetToken(signedToken(t, time.Now().Add(time.Hour)))
	assert.False(t, s.Expired(time.Now()))
}

func TestGarbageTokenIsNotExpired(t *testing.T) {
	s := New()
	s.SetToken("not-a-jwt")
	// Garbage tokens are the server's problem; the client lets the 401 path
	// handle it rather than guessing locally.
	assert.False(t, s.Expired(time.Now()))
	_, err := s.ExpiresAt()
	assert.Error(t, err)
}
