package dal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisDocClient captures the subset of redis.UniversalClient used by the
// key-value backend. Every command touches a single key, so cluster mode works
// without hash tags.
type RedisDocClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// redisBackend stores each document as a hash whose field values are JSON
// encoded, plus a per-collection membership set used by Fetch.
type redisBackend struct {
	client      RedisDocClient
	prefix      string
	idField     string
	closeClient bool
}

func newRedisBackend(ctx context.Context, cfg Config) (Backend, error) {
	client := cfg.Redis.Client
	owned := false
	if client == nil {
		client = newUniversalClient(cfg.Redis.Addrs, cfg.Redis.Password)
		owned = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	backend := NewRedisBackend(client, cfg.Redis.Prefix, cfg.IDField).(*redisBackend)
	backend.closeClient = owned
	return backend, nil
}

// NewRedisBackend wraps a redis client. The caller keeps ownership of client.
func NewRedisBackend(client RedisDocClient, prefix, idField string) Backend {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if idField == "" {
		idField = defaultIDField
	}
	return &redisBackend{client: client, prefix: prefix, idField: idField}
}

func (b *redisBackend) Type() BackendType { return BackendKeyValue }

func (b *redisBackend) Get(ctx context.Context, collection string, key Key) (Document, bool, error) {
	id, err := key.Identity()
	if err != nil {
		return nil, false, err
	}
	return b.load(ctx, b.docKey(collection, id))
}

// Set merges data into the stored hash; HSET merges fields atomically.
func (b *redisBackend) Set(ctx context.Context, collection string, key Key, data Document) (Document, error) {
	field, id, err := resolveIdentity(key, data, b.idField)
	if err != nil {
		return nil, err
	}
	doc := data.Clone()
	if doc == nil {
		doc = Document{}
	}
	applyKeyFields(doc, key, field)

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]interface{}, 0, len(names)*2)
	for _, name := range names {
		encoded, err := json.Marshal(doc[name])
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		values = append(values, name, string(encoded))
	}

	docKey := b.docKey(collection, id)
	if err := b.client.HSet(ctx, docKey, values...).Err(); err != nil {
		return nil, err
	}
	if err := b.client.SAdd(ctx, b.indexKey(collection), id).Err(); err != nil {
		return nil, err
	}
	merged, found, err := b.load(ctx, docKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("document vanished after write")
	}
	return merged, nil
}

func (b *redisBackend) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	var fields Fields
	switch f := filter.(type) {
	case nil:
	case Fields:
		fields = f
	case map[string]any:
		fields = Fields(f)
	default:
		return nil, fmt.Errorf("%w: %T for key-value store", ErrUnsupportedFilter, filter)
	}

	ids, err := b.client.SMembers(ctx, b.indexKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := []Document{}
	for _, id := range ids {
		doc, found, err := b.load(ctx, b.docKey(collection, id))
		if err != nil {
			return nil, err
		}
		if !found || !fieldsMatch(doc, fields) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Close releases the client when the backend created it.
func (b *redisBackend) Close(context.Context) error {
	if !b.closeClient {
		return nil
	}
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (b *redisBackend) load(ctx context.Context, docKey string) (Document, bool, error) {
	raw, err := b.client.HGetAll(ctx, docKey).Result()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	doc := make(Document, len(raw))
	for name, encoded := range raw {
		var v any
		if err := decodeExactJSON([]byte(encoded), &v); err != nil {
			return nil, false, fmt.Errorf("decode field %q of %s: %w", name, docKey, err)
		}
		doc[name] = v
	}
	return doc, true, nil
}

func (b *redisBackend) docKey(collection, id string) string {
	return b.prefix + ":doc:" + collection + ":" + id
}

func (b *redisBackend) indexKey(collection string) string {
	return b.prefix + ":idx:" + collection
}
