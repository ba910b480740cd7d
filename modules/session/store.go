package session

import (
	"sync"

	"golang.org/x/oauth2"

	"github.com/guarzo/authfetch/common"
)

// AccessTokenKey is the single storage key holding the current access token.
const AccessTokenKey = "access_token"

// Store is the current-access-token slot. Exactly one value is current at a time
// and every write replaces it wholesale. The value is opaque.
type Store struct {
	mu    sync.RWMutex
	cache common.CacheRepository
}

var _ oauth2.TokenSource = (*Store)(nil)

// NewStore wraps a CacheRepository. A durable repository (file, redis) makes the
// token survive restarts; the in-memory one does not.
func NewStore(cache common.CacheRepository) *Store {
	return &Store{cache: cache}
}

// AccessToken returns the current token, or "" when none is stored.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, found := s.cache.Get(AccessTokenKey)
	if !found {
		return ""
	}
	return string(v)
}

// Token implements oauth2.TokenSource. A missing token is not an error: the
// request goes out without credentials and the server decides.
func (s *Store) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.AccessToken(), TokenType: "Bearer"}, nil
}

// HasToken reports whether a non-empty token is stored.
func (s *Store) HasToken() bool {
	return s.AccessToken() != ""
}

// SetToken overwrites the current token. An empty value clears the slot.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		s.cache.Delete(AccessTokenKey)
		return
	}
	s.cache.Set(AccessTokenKey, []byte(token), common.NoExpiration)
}

// Clear drops the current token.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(AccessTokenKey)
}
