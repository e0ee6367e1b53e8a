// Package auth implements API key authentication for AutoRouter.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "ar-" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	salt        string
	cache       *otter.Cache[string, *autorouter.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store. The salt is the
// deployment-wide hashing salt derived from the encryption key material.
func NewAPIKeyAuth(store storage.APIKeyStore, salt string) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *autorouter.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *autorouter.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, salt: salt, cache: c}, nil
}

// Authenticate extracts the caller's API key from the Authorization header
// (Bearer) or the x-api-key header, validates it against the store, and
// returns the key. Only keys with the "ar-" prefix are handled.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*autorouter.APIKey, error) {
	raw := rawKey(r)
	if raw == "" || !strings.HasPrefix(raw, autorouter.KeyIDPrefix) {
		return nil, autorouter.ErrUnauthorized
	}

	hash := autorouter.HashKey(a.salt, raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkUsable(key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, autorouter.ErrNotFound) {
			return nil, autorouter.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, autorouter.ErrUnauthorized
	}

	if err := checkUsable(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (deactivate, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func rawKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token := strings.TrimPrefix(auth, "Bearer "); token != auth && token != "" {
		return token
	}
	// Anthropic-style clients send the key in x-api-key instead.
	return r.Header.Get("X-Api-Key")
}

func checkUsable(key *autorouter.APIKey) error {
	if !key.IsActive {
		return autorouter.ErrKeyInactive
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return autorouter.ErrKeyExpired
	}
	return nil
}
