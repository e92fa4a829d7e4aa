package dal

import (
	"context"
	"errors"
	"testing"
)

func TestRedisBackendKeyLayout(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedisClient(t)
	backend := NewRedisBackend(client, "app", "id")

	if backend.Type() != BackendKeyValue {
		t.Fatalf("unexpected type: %q", backend.Type())
	}
	if _, err := backend.Set(ctx, "users", ID("u1"), Document{"name": "A"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := mr.HGet("app:doc:users:u1", "name"); got != `"A"` {
		t.Fatalf("expected JSON encoded field, got %q", got)
	}
	if got := mr.HGet("app:doc:users:u1", "id"); got != `"u1"` {
		t.Fatalf("expected identifier field stamped, got %q", got)
	}
	member, err := mr.SIsMember("app:idx:users", "u1")
	if err != nil || !member {
		t.Fatalf("expected u1 in membership set; member=%v err=%v", member, err)
	}
}

func TestRedisBackendMergesPartialWrites(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedisClient(t)
	backend := NewRedisBackend(client, "", "")

	if _, err := backend.Set(ctx, "users", ID(7), Document{"name": "A", "tags": []any{"x"}}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	merged, err := backend.Set(ctx, "users", ID(7), Document{"age": 31})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged["name"] != "A" || merged["age"] != float64(31) || merged["id"] != float64(7) {
		t.Fatalf("unexpected merged document: %v", merged)
	}
	tags, ok := merged["tags"].([]any)
	if !ok || len(tags) != 1 || tags[0] != "x" {
		t.Fatalf("expected nested values preserved, got %#v", merged["tags"])
	}
}

func TestRedisBackendItemShapedWrite(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedisClient(t)
	backend := NewRedisBackend(client, "", "id")

	if _, err := backend.Set(ctx, "orders", ItemKey("order_id"), Document{"order_id": "o1", "total": 5}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	doc, found, err := backend.Get(ctx, "orders", CompositeKey("order_id", map[string]any{"order_id": "o1"}))
	if err != nil || !found || doc["total"] != float64(5) {
		t.Fatalf("unexpected get result: doc=%v found=%v err=%v", doc, found, err)
	}
	if _, err := backend.Set(ctx, "orders", Key{}, Document{"total": 1}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey without identifier, got %v", err)
	}
}

func TestRedisBackendFetchSkipsDanglingMembers(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedisClient(t)
	backend := NewRedisBackend(client, "", "id")

	if _, err := backend.Set(ctx, "users", ID("u1"), Document{"name": "A"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := mr.SAdd("dal:idx:users", "ghost"); err != nil {
		t.Fatalf("seed dangling member: %v", err)
	}
	docs, err := backend.Fetch(ctx, "users", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(docs) != 1 || docs[0]["id"] != "u1" {
		t.Fatalf("unexpected fetch result: %v", docs)
	}
}

func TestNewRedisBackendFromConfig(t *testing.T) {
	client, _ := newTestRedisClient(t)
	backend, err := newRedisBackend(context.Background(), Config{Redis: RedisConfig{Client: client, Prefix: "cfg"}}.withDefaults())
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	rb := backend.(*redisBackend)
	if rb.prefix != "cfg" || rb.closeClient {
		t.Fatalf("unexpected backend: prefix=%q owned=%v", rb.prefix, rb.closeClient)
	}
	if err := rb.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("borrowed client must stay open: %v", err)
	}
}

func TestNewRedisBackendPingFailure(t *testing.T) {
	client, mr := newTestRedisClient(t)
	mr.SetError("ERR down")
	if _, err := newRedisBackend(context.Background(), Config{Redis: RedisConfig{Client: client}}.withDefaults()); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestRedisBackendKeepsLargeIntegersExact(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedisClient(t)
	backend := NewRedisBackend(client, "app", "id")

	const big = int64(9007199254740993)
	written, err := backend.Set(ctx, "users", ID(big), Document{"name": "A", "age": 30})
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, err := ID(written["id"]).Identity(); err != nil || got != "9007199254740993" {
		t.Fatalf("expected exact identifier, got %v (%q, err=%v)", written["id"], got, err)
	}
	if written["age"] != float64(30) {
		t.Fatalf("expected small numbers as float64, got %T", written["age"])
	}

	doc, found, err := backend.Get(ctx, "users", ID(big))
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	writtenKey, _ := DeriveCacheKey("users", ID(doc["id"]))
	readKey, _ := DeriveCacheKey("users", ID(big))
	if writtenKey != readKey {
		t.Fatalf("stored identifier derives %q, reads derive %q", writtenKey, readKey)
	}
}
