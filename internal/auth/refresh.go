package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nbworkflows/labflow/internal/substrate"
)

const refreshKeyPrefix = "rtkn:"

// RefreshStore keeps refresh tokens in the KV substrate under
// "rtkn:<username>.<token>" with a configured TTL. Rotation is atomic in
// the delete-then-store sense: once a refresh succeeds the old token can
// never validate again.
type RefreshStore struct {
	kv  substrate.KeyValueStore
	ttl time.Duration
}

// NewRefreshStore creates a store whose tokens expire after ttl.
func NewRefreshStore(kv substrate.KeyValueStore, ttl time.Duration) *RefreshStore {
	return &RefreshStore{kv: kv, ttl: ttl}
}

func refreshKey(username, token string) string {
	return refreshKeyPrefix + username + "." + token
}

// Store issues a new refresh token for the user.
func (s *RefreshStore) Store(ctx context.Context, username string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("refresh token entropy: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := s.kv.Set(ctx, refreshKey(username, token), username, s.ttl); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

// Validate reports whether the refresh token is current for the user.
func (s *RefreshStore) Validate(ctx context.Context, username, token string) (bool, error) {
	v, err := s.kv.Get(ctx, refreshKey(username, token))
	if err == substrate.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == username, nil
}

// Rotate deletes the old token and issues a new one. The delete happens
// first so a reused old token fails validation even if the store call
// below fails.
func (s *RefreshStore) Rotate(ctx context.Context, username, oldToken string) (string, error) {
	if err := s.kv.Del(ctx, refreshKey(username, oldToken)); err != nil {
		return "", fmt.Errorf("rotate refresh token: %w", err)
	}
	return s.Store(ctx, username)
}

// Revoke removes a refresh token without replacement.
func (s *RefreshStore) Revoke(ctx context.Context, username, token string) error {
	return s.kv.Del(ctx, refreshKey(username, token))
}
