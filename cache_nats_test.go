package dal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestNATSCacheStoreNilKeyValueErrors(t *testing.T) {
	store := newNATSCacheStore(nil, "")
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error when nats key-value is nil")
	}
	if err := store.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Fatalf("expected set error when nats key-value is nil")
	}
	if err := store.Delete(ctx, "k"); err == nil {
		t.Fatalf("expected delete error when nats key-value is nil")
	}
}

func TestNATSCacheStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSCacheStore(kv, "pfx")

	if store.Driver() != CacheDriverNATS {
		t.Fatalf("unexpected driver: %q", store.Driver())
	}
	if err := store.Set(ctx, "users:u1", []byte(`{"name":"A"}`), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := store.Get(ctx, "users:u1")
	if err != nil || !ok || string(body) != `{"name":"A"}` {
		t.Fatalf("unexpected get result: ok=%v err=%v body=%s", ok, err, string(body))
	}
	for key := range kv.entries {
		if strings.ContainsAny(key, ": ") {
			t.Fatalf("expected encoded subject-safe key, got %q", key)
		}
	}

	if err := store.Delete(ctx, "users:u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, err := store.Get(ctx, "users:u1"); err != nil || ok {
		t.Fatalf("expected miss after delete; ok=%v err=%v", ok, err)
	}
	if err := store.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete of missing key should be a no-op: %v", err)
	}
}

func TestNATSCacheStoreExpiry(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSCacheStore(kv, "pfx")

	if err := store.Set(ctx, "exp", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, err := store.Get(ctx, "exp"); err != nil || ok {
		t.Fatalf("expected key expired; ok=%v err=%v", ok, err)
	}
	if kv.purges != 1 {
		t.Fatalf("expected expired entry purged, got %d purges", kv.purges)
	}
}

func TestNATSCacheStoreForeignEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	store := newNATSCacheStore(kv, "pfx").(*natsCacheStore)

	foreign, _ := json.Marshal(map[string]string{"m": "other", "v": "eA=="})
	if _, err := kv.Put(store.cacheKey("k"), foreign); err != nil {
		t.Fatalf("put foreign: %v", err)
	}
	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected foreign entry treated as miss; ok=%v err=%v", ok, err)
	}
	if _, err := kv.Put(store.cacheKey("raw"), []byte("not json")); err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if _, ok, err := store.Get(ctx, "raw"); err != nil || ok {
		t.Fatalf("expected corrupt entry treated as miss; ok=%v err=%v", ok, err)
	}
}

func TestNATSCacheStorePropagatesBackendErrors(t *testing.T) {
	ctx := context.Background()
	kv := newStubNATSKeyValue("bucket")
	kv.getErr = errors.New("get boom")
	kv.putErr = errors.New("put boom")
	store := newNATSCacheStore(kv, "pfx")

	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error")
	}
	if err := store.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected set error")
	}
}

func TestEncodeNATSKeyPart(t *testing.T) {
	if got := encodeNATSKeyPart(""); got != "_" {
		t.Fatalf("expected placeholder for empty part, got %q", got)
	}
	if got := encodeNATSKeyPart("a:b"); strings.Contains(got, ":") {
		t.Fatalf("expected encoded part, got %q", got)
	}
}

type stubNATSKeyValue struct {
	mu     sync.Mutex
	bucket string
	rev    uint64
	purges int

	entries map[string]*stubNATSKeyValueEntry

	getErr error
	putErr error
}

func newStubNATSKeyValue(bucket string) *stubNATSKeyValue {
	return &stubNATSKeyValue{
		bucket:  bucket,
		entries: make(map[string]*stubNATSKeyValueEntry),
	}
}

func (s *stubNATSKeyValue) Get(key string) (nats.KeyValueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	if entry.op == nats.KeyValueDelete || entry.op == nats.KeyValuePurge {
		return nil, nats.ErrKeyDeleted
	}
	return entry.clone(), nil
}

func (s *stubNATSKeyValue) Put(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return 0, s.putErr
	}
	s.rev++
	s.entries[key] = &stubNATSKeyValueEntry{
		bucket:   s.bucket,
		key:      key,
		value:    cloneBytes(value),
		revision: s.rev,
		created:  time.Now(),
		op:       nats.KeyValuePut,
	}
	return s.rev, nil
}

func (s *stubNATSKeyValue) Delete(key string, _ ...nats.DeleteOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nats.ErrKeyNotFound
	}
	s.rev++
	s.entries[key] = &stubNATSKeyValueEntry{bucket: s.bucket, key: key, revision: s.rev, created: time.Now(), op: nats.KeyValueDelete}
	return nil
}

func (s *stubNATSKeyValue) Purge(key string, _ ...nats.DeleteOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	delete(s.entries, key)
	return nil
}

type stubNATSKeyValueEntry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
	delta    uint64
	op       nats.KeyValueOp
}

func (e *stubNATSKeyValueEntry) clone() *stubNATSKeyValueEntry {
	cp := *e
	cp.value = cloneBytes(e.value)
	return &cp
}

func (e *stubNATSKeyValueEntry) Bucket() string             { return e.bucket }
func (e *stubNATSKeyValueEntry) Key() string                { return e.key }
func (e *stubNATSKeyValueEntry) Value() []byte              { return cloneBytes(e.value) }
func (e *stubNATSKeyValueEntry) Revision() uint64           { return e.revision }
func (e *stubNATSKeyValueEntry) Created() time.Time         { return e.created }
func (e *stubNATSKeyValueEntry) Delta() uint64              { return e.delta }
func (e *stubNATSKeyValueEntry) Operation() nats.KeyValueOp { return e.op }
