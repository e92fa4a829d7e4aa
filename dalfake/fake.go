// Package dalfake provides a counting in-memory backend and cache store for
// tests of code built on dal.Facade.
package dalfake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goforj/dal"
)

// Op identifies an operation for assertions.
type Op string

const (
	OpResolve     Op = "resolve"
	OpGet         Op = "get"
	OpSet         Op = "set"
	OpFetch       Op = "fetch"
	OpCacheGet    Op = "cache_get"
	OpCacheSet    Op = "cache_set"
	OpCacheDelete Op = "cache_delete"
)

// CacheDriverFake is reported by the fake cache store.
const CacheDriverFake dal.CacheDriver = "fake"

// Fake holds the shared state behind the fake backend, resolver and cache store.
type Fake struct {
	mu       sync.Mutex
	typ      dal.BackendType
	docs     map[string]map[string]dal.Document
	cache    map[string]cacheEntry
	failures map[Op]error
	filters  []dal.Filter
	counts   map[Op]map[string]int
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

// New creates an empty Fake reporting the document-store backend type.
func New() *Fake {
	return &Fake{
		typ:      dal.BackendDocument,
		docs:     make(map[string]map[string]dal.Document),
		cache:    make(map[string]cacheEntry),
		failures: make(map[Op]error),
		counts:   make(map[Op]map[string]int),
	}
}

// Backend returns the fake backend.
func (f *Fake) Backend() dal.Backend { return fakeBackend{f} }

// Resolver returns a resolver that always yields the fake backend, or the
// OpResolve failure when one is set.
func (f *Fake) Resolver() dal.Resolver { return fakeResolver{f} }

// Cache returns the fake cache store.
func (f *Fake) Cache() dal.CacheStore { return fakeCache{f} }

// Fail makes every subsequent op return err. A nil err clears the failure.
func (f *Fake) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Seed stores doc under (collection, id) without counting a call.
func (f *Fake) Seed(collection, id string, doc dal.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(collection, id, doc.Clone())
}

// CachedKeys lists the unexpired cache keys in sorted order.
func (f *Fake) CachedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(f.cache))
	for key, entry := range f.cache {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Filters returns the filters passed to Fetch, in call order.
func (f *Fake) Filters() []dal.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dal.Filter(nil), f.filters...)
}

// Reset clears recorded counts and filters; stored data is kept.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
	f.filters = nil
}

// AssertCalled verifies key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures op was never invoked.
func (f *Fake) AssertNotCalled(t *testing.T, op Op) {
	t.Helper()
	if got := f.Total(op); got != 0 {
		t.Fatalf("expected %s not called, got %d", op, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op][key]
}

// Total returns total calls for an op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int
	for _, v := range f.counts[op] {
		sum += v
	}
	return sum
}

// begin records a call and returns the configured failure for op. Callers hold f.mu.
func (f *Fake) begin(op Op, key string) error {
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
	return f.failures[op]
}

func (f *Fake) store(collection, id string, doc dal.Document) {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]dal.Document)
	}
	f.docs[collection][id] = doc
}

type fakeResolver struct{ f *Fake }

func (r fakeResolver) Resolve(context.Context) (dal.Backend, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if err := r.f.begin(OpResolve, ""); err != nil {
		return nil, err
	}
	return fakeBackend{r.f}, nil
}

func (r fakeResolver) Type() dal.BackendType { return r.f.typ }

type fakeBackend struct{ f *Fake }

func (b fakeBackend) Type() dal.BackendType { return b.f.typ }

func (b fakeBackend) Get(_ context.Context, collection string, key dal.Key) (dal.Document, bool, error) {
	id, err := key.Identity()
	if err != nil {
		return nil, false, err
	}
	b.f.mu.Lock()
	defer b.f.mu.Unlock()
	if err := b.f.begin(OpGet, collection+":"+id); err != nil {
		return nil, false, err
	}
	doc, ok := b.f.docs[collection][id]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

func (b fakeBackend) Set(_ context.Context, collection string, key dal.Key, data dal.Document) (dal.Document, error) {
	field := "id"
	if key.Primary() != "" {
		field = key.Primary()
	}
	id, err := key.Identity()
	if err != nil {
		if id, err = dal.ID(data[field]).Identity(); err != nil {
			return nil, err
		}
	}

	b.f.mu.Lock()
	defer b.f.mu.Unlock()
	if err := b.f.begin(OpSet, collection+":"+id); err != nil {
		return nil, err
	}
	merged := b.f.docs[collection][id].Clone()
	if merged == nil {
		merged = dal.Document{}
	}
	for k, v := range data {
		merged[k] = v
	}
	if key.IsComposite() {
		for k, v := range key.Fields() {
			merged[k] = v
		}
	} else if !key.IsZero() {
		merged[field] = key.Scalar()
	}
	b.f.store(collection, id, merged)
	return merged.Clone(), nil
}

func (b fakeBackend) Fetch(_ context.Context, collection string, filter dal.Filter) ([]dal.Document, error) {
	b.f.mu.Lock()
	defer b.f.mu.Unlock()
	if err := b.f.begin(OpFetch, collection); err != nil {
		return nil, err
	}
	b.f.filters = append(b.f.filters, filter)

	var want dal.Fields
	switch v := filter.(type) {
	case nil:
	case dal.Fields:
		want = v
	case map[string]any:
		want = dal.Fields(v)
	default:
		return nil, fmt.Errorf("%w: %T for fake backend", dal.ErrUnsupportedFilter, filter)
	}

	ids := make([]string, 0, len(b.f.docs[collection]))
	for id := range b.f.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []dal.Document{}
	for _, id := range ids {
		doc := b.f.docs[collection][id]
		if matches(doc, want) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

type fakeCache struct{ f *Fake }

func (c fakeCache) Driver() dal.CacheDriver { return CacheDriverFake }

func (c fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.begin(OpCacheGet, key); err != nil {
		return nil, false, err
	}
	entry, ok := c.f.cache[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		delete(c.f.cache, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.body...), true, nil
}

func (c fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.begin(OpCacheSet, key); err != nil {
		return err
	}
	entry := cacheEntry{body: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.f.cache[key] = entry
	return nil
}

func (c fakeCache) Delete(_ context.Context, key string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.begin(OpCacheDelete, key); err != nil {
		return err
	}
	delete(c.f.cache, key)
	return nil
}

func matches(doc dal.Document, want dal.Fields) bool {
	for name, expected := range want {
		actual, ok := doc[name]
		if !ok {
			return false
		}
		a, errA := json.Marshal(actual)
		b, errB := json.Marshal(expected)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}
