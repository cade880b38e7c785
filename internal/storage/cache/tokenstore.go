package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// ErrRegistrationUnsupported is returned when the wrapped store is read-only.
var ErrRegistrationUnsupported = errors.New("token store does not accept registrations")

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedTokenStore adds read-aside caching to any TokenStore.
//
// Alongside each user's token list it records a token -> owner index so
// that DeleteTokens, which only knows tokens, can invalidate the right users.
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

var _ dispatch.TokenRegistry = (*CachedTokenStore)(nil)

func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

func (s *CachedTokenStore) ListTokensForUser(ctx context.Context, userID string) ([]dispatch.DeviceToken, error) {
	key := userKey(userID)

	var cached []dispatch.DeviceToken
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.ListTokensForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		fresh = []dispatch.DeviceToken{}
	}

	// Caching is an optimisation; a Redis outage falls back to the store.
	for _, t := range fresh {
		_ = s.cache.Set(ctx, ownerKey(t.Token), userID, s.ttl)
	}
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Debug("Failed to populate token cache", "user_id", userID, "err", err)
	}
	return fresh, nil
}

func (s *CachedTokenStore) DeleteTokens(ctx context.Context, tokens []string) error {
	if err := s.realStore.DeleteTokens(ctx, tokens); err != nil {
		return err
	}

	keys := make([]string, 0, len(tokens)*2)
	seen := make(map[string]struct{})
	for _, t := range tokens {
		keys = append(keys, ownerKey(t))
		var owner string
		if err := s.cache.Get(ctx, ownerKey(t), &owner); err != nil || owner == "" {
			continue
		}
		if _, dup := seen[owner]; !dup {
			seen[owner] = struct{}{}
			keys = append(keys, userKey(owner))
		}
	}
	// The store is authoritative and already updated; a stale entry expires
	// with its TTL.
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("Failed to invalidate token cache after delete", "count", len(tokens), "err", err)
	}
	return nil
}

// RegisterToken writes through to the store when it accepts registrations,
// then drops the owner's cached list.
func (s *CachedTokenStore) RegisterToken(ctx context.Context, token dispatch.DeviceToken) error {
	registry, ok := s.realStore.(dispatch.TokenRegistry)
	if !ok {
		return ErrRegistrationUnsupported
	}

	var previous string
	_ = s.cache.Get(ctx, ownerKey(token.Token), &previous)

	if err := registry.RegisterToken(ctx, token); err != nil {
		return err
	}

	keys := []string{userKey(token.UserID), ownerKey(token.Token)}
	if previous != "" && previous != token.UserID {
		keys = append(keys, userKey(previous))
	}
	return s.cache.Del(ctx, keys...)
}

func userKey(userID string) string {
	return "notify:tokens:" + userID
}

func ownerKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "notify:token-owner:" + hex.EncodeToString(sum[:])
}
