package dal

import (
	"time"

	"go.uber.org/zap"
)

// Option mutates facade construction settings.
type Option func(facadeConfig) facadeConfig

type facadeConfig struct {
	cache      CacheStore
	codec      Codec
	logger     *zap.Logger
	observer   Observer
	defaultTTL time.Duration
	idField    string
}

func (c facadeConfig) withDefaults() facadeConfig {
	if c.codec == nil {
		c.codec = JSONCodec{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = defaultCacheExpiry
	}
	if c.idField == "" {
		c.idField = defaultIDField
	}
	return c
}

// WithCacheStore enables cache-aside reads and write refreshes through store.
func WithCacheStore(store CacheStore) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.cache = store
		return cfg
	}
}

// WithCodec overrides the document codec used for cache entries.
func WithCodec(codec Codec) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.codec = codec
		return cfg
	}
}

// WithLogger sets the structured logger; cache failures are logged at warn level.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.logger = logger
		return cfg
	}
}

// WithObserver attaches an observer to receive operation events.
func WithObserver(o Observer) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.observer = o
		return cfg
	}
}

// WithDefaultCacheExpiry overrides the process-wide cache TTL.
func WithDefaultCacheExpiry(ttl time.Duration) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.defaultTTL = ttl
		return cfg
	}
}

// WithIDField names the identifier field of scalar-keyed documents.
func WithIDField(field string) Option {
	return func(cfg facadeConfig) facadeConfig {
		cfg.idField = field
		return cfg
	}
}

// WithConfig applies the cache expiry and id field from a loaded Config.
func WithConfig(c Config) Option {
	return func(cfg facadeConfig) facadeConfig {
		c = c.withDefaults()
		cfg.defaultTTL = c.DefaultCacheExpiry
		cfg.idField = c.IDField
		return cfg
	}
}
