// Package oauth implements the provider-facing half of the connection
// lifecycle: anti-CSRF state tokens for the authorization redirect and the
// protocol client that exchanges, refreshes and revokes credentials.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"mailbridge/internal/common/errors"
)

// PendingAuthorization binds a minted state token to the user and callback
// that initiated the authorization round-trip.
type PendingAuthorization struct {
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the pending authorization is past its TTL.
func (p *PendingAuthorization) Expired() bool {
	return time.Now().After(p.ExpiresAt)
}

// StateStore manages single-use, short-lived OAuth state tokens.
//
// The callback handler must validate (peek) before performing any token
// exchange and consume only after the connection has actually been created,
// so a failed callback can be retried with a fresh authorization round-trip.
type StateStore interface {
	// Generate mints a new state token bound to the user and redirect URI.
	Generate(ctx context.Context, userID, redirectURI string) (string, error)
	// ValidateAndPeek returns the pending authorization without consuming it.
	// Expired or unknown tokens return nil.
	ValidateAndPeek(ctx context.Context, state string) (*PendingAuthorization, error)
	// Consume removes the token. Idempotent: the second call returns false.
	Consume(ctx context.Context, state string) (bool, error)
}

// newStateToken returns a URL-safe token with 32 bytes of entropy.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Internal("failed to generate state token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryStateStore keeps pending authorizations in process memory.
//
// Suitable for single-process deployments only: a horizontally scaled
// deployment must use the Redis-backed store so that the callback can land on
// any node (see RedisStateStore).
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]*PendingAuthorization
	ttl     time.Duration
}

// NewMemoryStateStore creates an in-process state store with the given TTL.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{
		pending: make(map[string]*PendingAuthorization),
		ttl:     ttl,
	}
}

// Generate mints a new state token bound to the user and redirect URI.
func (s *MemoryStateStore) Generate(ctx context.Context, userID, redirectURI string) (string, error) {
	token, err := newStateToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	s.mu.Lock()
	s.pending[token] = &PendingAuthorization{
		UserID:      userID,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Unlock()

	return token, nil
}

// ValidateAndPeek returns the pending authorization for a live state token.
// Expired entries are evicted and treated as not found.
func (s *MemoryStateStore) ValidateAndPeek(ctx context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, nil
	}
	if p.Expired() {
		delete(s.pending, state)
		return nil, nil
	}

	copied := *p
	return &copied, nil
}

// Consume removes the state token. Returns false if it was already consumed,
// expired or never existed.
func (s *MemoryStateStore) Consume(ctx context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return false, nil
	}
	delete(s.pending, state)

	return !p.Expired(), nil
}

// Cleanup evicts expired entries. The daily maintenance job calls this so a
// long-lived process does not accumulate abandoned authorization attempts.
func (s *MemoryStateStore) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, p := range s.pending {
		if p.Expired() {
			delete(s.pending, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending authorizations, expired ones included.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
