package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the backend's token payload the client cares
// about. The local user id is needed to tell which side of a conversation
// an inbound envelope belongs to.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Session holds the bearer token for the current login, in memory only.
// It never persists the token; that is the embedding application's call.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims *Claims
	now    func() time.Time
}

func New() *Session {
	return &Session{now: time.Now}
}

// SetToken stores the token and decodes its claims without verifying the
// signature. Verification is the server's job; the client only reads the
// payload. A token that is not a JWT is kept as an opaque string.
func (s *Session) SetToken(token string) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		claims = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.claims = claims
}

// Token returns the current bearer token, empty when logged out. The method
// value is handed to collaborators as their token source.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the local user id from the token claims, 0 if unknown.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return 0
	}
	return s.claims.UserID
}

// Active reports whether a token is present and, when it carries an expiry,
// not yet expired.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return true
	}
	return s.now().Before(s.claims.ExpiresAt.Time)
}

// Clear drops the token and claims, ending the logical session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.claims = nil
}
