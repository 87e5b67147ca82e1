package oauth

import (
	"context"
	"encoding/json"
	"time"

	"mailbridge/internal/common/errors"
	"mailbridge/internal/redis"
)

const statePrefix = "oauth:state:"

// RedisStateStore keeps pending authorizations in Redis so the callback can
// be served by any node. Expiry is delegated to the key TTL and consumption
// uses GETDEL, so the single-use guarantee holds across processes.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates a Redis-backed state store with the given TTL.
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

// Generate mints a new state token bound to the user and redirect URI.
func (s *RedisStateStore) Generate(ctx context.Context, userID, redirectURI string) (string, error) {
	token, err := newStateToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	payload, err := json.Marshal(&PendingAuthorization{
		UserID:      userID,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return "", errors.Internal("failed to encode pending authorization", err)
	}

	if err := s.client.Set(ctx, statePrefix+token, string(payload), s.ttl); err != nil {
		return "", errors.Internal("failed to store state token", err)
	}
	return token, nil
}

// ValidateAndPeek returns the pending authorization without consuming it.
func (s *RedisStateStore) ValidateAndPeek(ctx context.Context, state string) (*PendingAuthorization, error) {
	raw, err := s.client.Get(ctx, statePrefix+state)
	if err != nil {
		return nil, errors.Internal("failed to look up state token", err)
	}
	if raw == "" {
		return nil, nil
	}

	var p PendingAuthorization
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errors.Internal("corrupt pending authorization", err)
	}
	if p.Expired() {
		return nil, nil
	}
	return &p, nil
}

// Consume atomically removes the token. Returns false if another caller
// consumed it first or it never existed.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	raw, err := s.client.GetDel(ctx, statePrefix+state)
	if err != nil {
		return false, errors.Internal("failed to consume state token", err)
	}
	return raw != "", nil
}
