// Package dal is a backend-agnostic data access facade.
//
// A Selector picks one storage backend from Config.DatabaseType and builds it
// lazily on first use; concurrent callers share a single initialization. A
// Facade layered on top serves point reads cache-aside through a CacheStore,
// refreshes the cache after writes, and forwards filtered reads untouched.
//
//	cfg, err := dal.ConfigFromEnv()
//	if err != nil {
//		return err
//	}
//	store, err := dal.NewCacheStore(ctx, cfg.Cache)
//	if err != nil {
//		return err
//	}
//	selector := dal.NewSelector(cfg)
//	defer selector.Close(ctx)
//
//	facade := dal.New(selector, dal.WithConfig(cfg), dal.WithCacheStore(store))
//	user, found, err := facade.Get(ctx, "users", dal.ID("u1"), dal.Cached(time.Minute))
//
// Cache failures never fail an operation. They are logged, reported to the
// Observer as a *CacheError, and the read falls through to the backend.
package dal
