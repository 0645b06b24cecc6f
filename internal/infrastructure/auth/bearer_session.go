package auth

import (
	"sync"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/observer"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields the client reads from the backend's access token.
// The signature is verified by the backend, never here.
type Claims struct {
	UserID string `json:"user_id"`
	UID    string `json:"Uid"`
	Email  string `json:"Email"`
	jwt.RegisteredClaims
}

func (c *Claims) subject() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.UID != "":
		return c.UID
	default:
		return c.Subject
	}
}

// BearerSession holds the signed-in user's bearer credential.
type BearerSession struct {
	mu     sync.RWMutex
	token  string
	claims *Claims
	now    func() time.Time

	cleared observer.Set[struct{}]
}

var (
	_ ports.CredentialSource = (*BearerSession)(nil)
	_ ports.UserIdentifier   = (*BearerSession)(nil)
)

func NewBearerSession() *BearerSession {
	return &BearerSession{now: time.Now}
}

// Set stores token. JWTs are decoded for their user id and expiry; opaque
// tokens are kept as they are. An already expired JWT is rejected.
func (s *BearerSession) Set(token string) error {
	if token == "" {
		return apperrors.NewAuthError("empty credential")
	}

	claims, err := parseClaims(token)
	if err == nil && claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return apperrors.NewAuthError("credential has expired")
	}

	s.mu.Lock()
	s.token = token
	s.claims = claims
	s.mu.Unlock()
	return nil
}

func parseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Credential returns the bearer token. An expired token is cleared and
// reported as absent.
func (s *BearerSession) Credential() (string, bool) {
	s.mu.RLock()
	token, claims := s.token, s.claims
	s.mu.RUnlock()

	if token == "" {
		return "", false
	}
	if claims != nil && claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		s.clear(token)
		return "", false
	}
	return token, true
}

func (s *BearerSession) UserID() domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return domain.UserID(s.claims.subject())
}

// ExpiresAt returns the token expiry when the token carries one.
func (s *BearerSession) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return s.claims.ExpiresAt.Time, true
}

// Clear signs the user out and notifies OnCredentialCleared handlers.
func (s *BearerSession) Clear() {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	s.clear(token)
}

// clear drops token if it is still the current one.
func (s *BearerSession) clear(token string) {
	s.mu.Lock()
	if token == "" || s.token != token {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.claims = nil
	s.mu.Unlock()

	s.cleared.Publish(struct{}{})
}

func (s *BearerSession) OnCredentialCleared(handler func()) func() {
	return s.cleared.Add(func(struct{}) { handler() })
}
