// Package session holds the viewer's authenticated identity: the bearer
// token and who the current user is. Token issuance and verification are
// server concerns; the client only carries the token and can inspect its
// claims for expiry.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/internal/model"
)

var ErrNoToken = errors.New("session: no token held")

// Session is safe for concurrent use; the api client reads the token while
// the login flow writes it.
type Session struct {
	mu       sync.RWMutex
	token    string
	username model.UserID
	userID   int64
}

func New() *Session {
	return &Session{}
}

// SetToken stores a freshly issued bearer token.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token returns the current bearer token, empty if unauthenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetViewer records the authenticated user's identity as reported by /me.
func (s *Session) SetViewer(username model.UserID, userID int64) {
	s.mu.Lock()
	s.username = username
	s.userID = userID
	s.mu.Unlock()
}

// Viewer returns the current username. The self-read rule and the markread
// policy key off this.
func (s *Session) Viewer() model.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// ViewerID returns the numeric user id, used to match mention_notify fan-out.
func (s *Session) ViewerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// ExpiresAt extracts the expiry claim from the held token without verifying
// the signature; the signing key lives server-side and the client only needs
// to know when to send the user back to login.
func (s *Session) ExpiresAt() (time.Time, error) {
	tok := s.Token()
	if tok == "" {
		return time.Time{}, ErrNoToken
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// Expired reports whether the held token has an expiry in the past.
func (s *Session) Expired(now time.Time) bool {
	exp, err := s.ExpiresAt()
	if err != nil || exp.IsZero() {
		return false
	}
	return exp.Before(now)
}
