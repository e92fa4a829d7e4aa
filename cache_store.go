package dal

import (
	"context"
	"fmt"
	"time"
)

// CacheDriver identifies the cache store implementation.
type CacheDriver string

const (
	CacheDriverNull   CacheDriver = "null"
	CacheDriverMemory CacheDriver = "memory"
	CacheDriverRedis  CacheDriver = "redis"
	CacheDriverNATS   CacheDriver = "nats"
)

// CacheStore is the byte-level cache contract.
// Get returns (value, true, nil) on hit and (nil, false, nil) on miss; a miss is
// never an error. Implementations must be safe for concurrent use.
type CacheStore interface {
	Driver() CacheDriver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NewCacheStore returns a cache store for the configured driver, wrapped with
// compression and a circuit breaker when enabled.
func NewCacheStore(_ context.Context, cfg CacheConfig) (CacheStore, error) {
	cfg = cfg.withDefaults()

	var store CacheStore
	switch cfg.Driver {
	case CacheDriverNull:
		store = newNullCacheStore()
	case CacheDriverMemory:
		store = newMemoryCacheStore(cfg.MemoryCleanupInterval)
	case CacheDriverRedis:
		client := cfg.RedisClient
		if client == nil {
			if len(cfg.RedisAddrs) == 0 {
				return nil, fmt.Errorf("redis cache requires addresses or a client")
			}
			client = newUniversalClient(cfg.RedisAddrs, "")
		}
		store = newRedisCacheStore(client, cfg.Prefix)
	case CacheDriverNATS:
		if cfg.NATSKeyValue == nil {
			return nil, fmt.Errorf("nats cache requires a key-value bucket")
		}
		store = newNATSCacheStore(cfg.NATSKeyValue, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}

	store = newCompressingStore(store, cfg.CompressOver)
	if cfg.BreakerFailures > 0 && cfg.Driver != CacheDriverNull {
		store = newBreakerStore(store, cfg.BreakerFailures, cfg.BreakerTimeout)
	}
	return store, nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
