package dal

import (
	"context"
	"time"
)

type nullCacheStore struct{}

func newNullCacheStore() CacheStore { return nullCacheStore{} }

func (nullCacheStore) Driver() CacheDriver { return CacheDriverNull }

func (nullCacheStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (nullCacheStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (nullCacheStore) Delete(context.Context, string) error { return nil }
