package dal

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryCacheStore struct {
	cache *gocache.Cache
}

func newMemoryCacheStore(cleanupInterval time.Duration) CacheStore {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultMemoryCleanup
	}
	return &memoryCacheStore{cache: gocache.New(defaultCacheExpiry, cleanupInterval)}
}

func (s *memoryCacheStore) Driver() CacheDriver { return CacheDriverMemory }

func (s *memoryCacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *memoryCacheStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.cache.Set(key, cloneBytes(value), ttl)
	return nil
}

func (s *memoryCacheStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
