package dal

import (
	"context"
	"time"
)

// Operation names reported to observers.
const (
	OpGet      = "get"
	OpSet      = "set"
	OpFetch    = "fetch"
	OpCacheGet = "cache_get"
	OpCacheSet = "cache_set"
)

// Observer receives events for facade and cache operations.
// It is called synchronously after each operation completes.
type Observer interface {
	OnDataOp(ctx context.Context, op, collection, key string, hit bool, err error, dur time.Duration, backend BackendType)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op, collection, key string, hit bool, err error, dur time.Duration, backend BackendType)

// OnDataOp implements Observer.
func (f ObserverFunc) OnDataOp(ctx context.Context, op, collection, key string, hit bool, err error, dur time.Duration, backend BackendType) {
	if f == nil {
		return
	}
	f(ctx, op, collection, key, hit, err, dur, backend)
}
