package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
)

// MemoryAdapter implements CacheProvider in process memory. It backs the
// query embedding cache when Redis is not configured.
type MemoryAdapter struct {
	cache *gocache.Cache
}

// NewMemoryAdapter creates an in-memory cache
func NewMemoryAdapter(defaultTTL, cleanupInterval time.Duration) providers.CacheProvider {
	return &MemoryAdapter{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get retrieves a value from cache
func (a *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	if val, found := a.cache.Get(key); found {
		if b, ok := val.([]byte); ok {
			return b, nil
		}
	}
	return nil, providers.ErrCacheMiss
}

// Set stores a copy of value. A non-positive expiration uses the default TTL.
func (a *MemoryAdapter) Set(_ context.Context, key string, value []byte, expirationSeconds int) error {
	ttl := gocache.DefaultExpiration
	if expirationSeconds > 0 {
		ttl = time.Duration(expirationSeconds) * time.Second
	}
	a.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Delete removes a value from cache
func (a *MemoryAdapter) Delete(_ context.Context, key string) error {
	a.cache.Delete(key)
	return nil
}

// Exists checks if a key exists in cache
func (a *MemoryAdapter) Exists(_ context.Context, key string) (bool, error) {
	_, found := a.cache.Get(key)
	return found, nil
}
