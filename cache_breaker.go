package dal

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// breakerStore trips after consecutive cache failures so a dead cache cluster
// costs an immediate error (treated as a miss) instead of a timeout per request.
type breakerStore struct {
	inner CacheStore
	cb    *gobreaker.CircuitBreaker
}

type cacheGetResult struct {
	body []byte
	ok   bool
}

func newBreakerStore(inner CacheStore, failures int, timeout time.Duration) CacheStore {
	threshold := uint32(failures)
	return &breakerStore{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "dal-cache-" + string(inner.Driver()),
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

func (s *breakerStore) Driver() CacheDriver { return s.inner.Driver() }

func (s *breakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		body, ok, err := s.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return cacheGetResult{body: body, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := res.(cacheGetResult)
	return out.body, out.ok, nil
}

func (s *breakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Set(ctx, key, value, ttl)
	})
	return err
}

func (s *breakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Delete(ctx, key)
	})
	return err
}

// State exposes the circuit state for diagnostics.
func (s *breakerStore) State() gobreaker.State {
	return s.cb.State()
}
