package dal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CacheOptions is per-call read configuration. The zero value bypasses the cache.
type CacheOptions struct {
	UseCache bool
	// CacheExpiry is the TTL for entries populated by this read; <= 0 uses the default.
	CacheExpiry time.Duration
}

// Cached returns options that read through the cache with ttl (0 for the default).
func Cached(ttl time.Duration) CacheOptions {
	return CacheOptions{UseCache: true, CacheExpiry: ttl}
}

// Facade routes reads and writes to the configured backend with an optional
// cache-aside layer in front of Get.
type Facade struct {
	resolver   Resolver
	cache      CacheStore
	codec      Codec
	logger     *zap.Logger
	observer   Observer
	defaultTTL time.Duration
	idField    string
}

// New creates a facade over resolver. Without WithCacheStore, CacheOptions are ignored.
func New(resolver Resolver, opts ...Option) *Facade {
	var cfg facadeConfig
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	cfg = cfg.withDefaults()
	return &Facade{
		resolver:   resolver,
		cache:      cfg.cache,
		codec:      cfg.codec,
		logger:     cfg.logger,
		observer:   cfg.observer,
		defaultTTL: cfg.defaultTTL,
		idField:    cfg.idField,
	}
}

// Get reads one document. On a cache hit the backend is not consulted; cache
// failures degrade to misses. Returns (nil, false, nil) when nothing matches.
func (f *Facade) Get(ctx context.Context, collection string, key Key, opts CacheOptions) (Document, bool, error) {
	start := time.Now()
	cacheKey, err := DeriveCacheKey(collection, key)
	if err != nil {
		return nil, false, err
	}

	useCache := opts.UseCache && f.cache != nil
	if useCache {
		if doc, ok := f.cacheGet(ctx, collection, cacheKey); ok {
			f.observe(ctx, OpGet, collection, cacheKey, true, nil, start, f.configuredType())
			return doc, true, nil
		}
	}

	backend, err := f.resolver.Resolve(ctx)
	if err != nil {
		f.observe(ctx, OpGet, collection, cacheKey, false, err, start, f.configuredType())
		return nil, false, err
	}
	doc, found, err := backend.Get(ctx, collection, key)
	if err != nil {
		err = &StorageError{Op: OpGet, Collection: collection, Backend: backend.Type(), Err: err}
		f.observe(ctx, OpGet, collection, cacheKey, false, err, start, backend.Type())
		return nil, false, err
	}
	if found && doc == nil {
		doc = Document{}
	}
	if found && useCache {
		ttl := opts.CacheExpiry
		if ttl <= 0 {
			ttl = f.defaultTTL
		}
		f.cacheSet(ctx, collection, cacheKey, doc, ttl)
	}
	f.observe(ctx, OpGet, collection, cacheKey, false, nil, start, backend.Type())
	if !found {
		return nil, false, nil
	}
	return doc, true, nil
}

// Set writes data and refreshes the cache entry for the written document with the
// default TTL, regardless of how the caller reads. keyOrQuery may be a zero Key or
// ItemKey for backends that take key fields from the item itself.
func (f *Facade) Set(ctx context.Context, collection string, keyOrQuery Key, data Document) (Document, error) {
	start := time.Now()
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection", ErrInvalidKey)
	}
	backend, err := f.resolver.Resolve(ctx)
	if err != nil {
		f.observe(ctx, OpSet, collection, "", false, err, start, f.configuredType())
		return nil, err
	}
	doc, err := backend.Set(ctx, collection, keyOrQuery, data)
	if err != nil {
		err = &StorageError{Op: OpSet, Collection: collection, Backend: backend.Type(), Err: err}
		f.observe(ctx, OpSet, collection, "", false, err, start, backend.Type())
		return nil, err
	}

	cacheKey, ok := f.postWriteKey(collection, keyOrQuery, doc)
	if f.cache != nil {
		if ok {
			f.cacheSet(ctx, collection, cacheKey, doc, f.defaultTTL)
		} else {
			f.logger.Warn("cache refresh skipped: written document has no identifier",
				zap.String("collection", collection),
				zap.String("backend", string(backend.Type())),
			)
		}
	}
	f.observe(ctx, OpSet, collection, cacheKey, false, nil, start, backend.Type())
	return doc, nil
}

// Fetch forwards filter unchanged to the backend. Results are never cached.
func (f *Facade) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	start := time.Now()
	backend, err := f.resolver.Resolve(ctx)
	if err != nil {
		f.observe(ctx, OpFetch, collection, "", false, err, start, f.configuredType())
		return nil, err
	}
	docs, err := backend.Fetch(ctx, collection, filter)
	if err != nil {
		err = &StorageError{Op: OpFetch, Collection: collection, Backend: backend.Type(), Err: err}
		f.observe(ctx, OpFetch, collection, "", false, err, start, backend.Type())
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	f.observe(ctx, OpFetch, collection, "", false, nil, start, backend.Type())
	return docs, nil
}

// postWriteKey prefers the written item's own identifier over the caller's key.
func (f *Facade) postWriteKey(collection string, key Key, doc Document) (string, bool) {
	field := f.idField
	if key.Primary() != "" {
		field = key.Primary()
	}
	if v, ok := doc[field]; ok && v != nil {
		if cacheKey, err := DeriveCacheKey(collection, ID(v)); err == nil {
			return cacheKey, true
		}
	}
	if cacheKey, err := DeriveCacheKey(collection, key); err == nil {
		return cacheKey, true
	}
	return "", false
}

func (f *Facade) cacheGet(ctx context.Context, collection, key string) (Document, bool) {
	start := time.Now()
	body, ok, err := f.cache.Get(ctx, key)
	var doc Document
	if err == nil && ok {
		doc, err = f.codec.Decode(body)
		if err != nil {
			err = fmt.Errorf("decode cached document: %w", err)
			_ = f.cache.Delete(ctx, key)
		}
	}
	if err != nil {
		f.cacheFailure(ctx, OpCacheGet, collection, key, err, start)
		return nil, false
	}
	f.observe(ctx, OpCacheGet, collection, key, ok, nil, start, f.configuredType())
	return doc, ok
}

func (f *Facade) cacheSet(ctx context.Context, collection, key string, doc Document, ttl time.Duration) {
	start := time.Now()
	body, err := f.codec.Encode(doc)
	if err == nil {
		err = f.cache.Set(ctx, key, body, ttl)
	}
	if err != nil {
		f.cacheFailure(ctx, OpCacheSet, collection, key, err, start)
		return
	}
	f.observe(ctx, OpCacheSet, collection, key, false, nil, start, f.configuredType())
}

func (f *Facade) cacheFailure(ctx context.Context, op, collection, key string, err error, start time.Time) {
	cacheErr := &CacheError{Op: op, Key: key, Err: err}
	f.logger.Warn("cache operation failed",
		zap.String("op", op),
		zap.String("collection", collection),
		zap.String("key", key),
		zap.String("cache", string(f.cache.Driver())),
		zap.Error(cacheErr),
	)
	f.observe(ctx, op, collection, key, false, cacheErr, start, f.configuredType())
}

func (f *Facade) observe(ctx context.Context, op, collection, key string, hit bool, err error, start time.Time, backend BackendType) {
	if f.observer == nil {
		return
	}
	f.observer.OnDataOp(ctx, op, collection, key, hit, err, time.Since(start), backend)
}

func (f *Facade) configuredType() BackendType {
	if typed, ok := f.resolver.(interface{ Type() BackendType }); ok {
		return typed.Type()
	}
	return ""
}
