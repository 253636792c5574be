package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"contentfleet/pkg/metrics"
)

// Aside wraps a Cache with the read-through and invalidation policy used by
// the services. Cache failures are logged and never returned: a broken cache
// degrades to reading the store.
type Aside struct {
	cache       Cache
	logger      *slog.Logger
	repeatAfter time.Duration

	pending sync.WaitGroup
}

// NewAside returns an Aside over c. When repeatAfter is positive every
// invalidation is issued a second time after that delay, which also evicts
// values written back by clients that do not check versions.
func NewAside(c Cache, repeatAfter time.Duration, logger *slog.Logger) *Aside {
	return &Aside{
		cache:       c,
		logger:      logger.With("component", "cache"),
		repeatAfter: repeatAfter,
	}
}

// Fetch returns the value cached under key or, on a miss, the value produced
// by load, which is then cached for ttl. Errors from load are returned as is
// and nothing is cached for them.
func Fetch[T any](ctx context.Context, a *Aside, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	family := Family(key)
	raw, ok, err := a.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(family, "error").Inc()
		a.logger.Warn("error reading from cache, falling back to store", "key", key, "msg", err.Error())
	case ok:
		var v T
		err := json.Unmarshal([]byte(raw), &v)
		if err == nil {
			metrics.CacheLookups.WithLabelValues(family, "hit").Inc()
			return v, nil
		}
		a.logger.Warn("error decoding cached value, falling back to store", "key", key, "msg", err.Error())
	default:
		metrics.CacheLookups.WithLabelValues(family, "miss").Inc()
	}

	// an invalidation between here and the write-back voids the write
	version, verr := a.cache.Version(ctx, key)
	if verr != nil {
		a.logger.Warn("error reading cache version, value will not be cached", "key", key, "msg", verr.Error())
	}

	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if verr != nil {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("error encoding value for cache", "key", key, "msg", err.Error())
		return v, nil
	}
	stored, err := a.cache.SetIfUnchanged(ctx, key, string(data), version, ttl)
	switch {
	case err != nil:
		a.logger.Warn("error writing to cache", "key", key, "msg", err.Error())
	case !stored:
		metrics.CacheLookups.WithLabelValues(family, "stale_write").Inc()
		a.logger.Debug("discarding value loaded across an invalidation", "key", key)
	}
	return v, nil
}

// Invalidate removes every key in keys. Keys holding glob metacharacters are
// invalidated by pattern.
func (a *Aside) Invalidate(ctx context.Context, keys ...string) {
	a.invalidate(ctx, keys)
	if a.repeatAfter <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	a.pending.Add(1)
	time.AfterFunc(a.repeatAfter, func() {
		defer a.pending.Done()
		a.invalidate(ctx, keys)
	})
}

func (a *Aside) invalidate(ctx context.Context, keys []string) {
	for _, key := range keys {
		kind := "key"
		var err error
		if IsPattern(key) {
			kind = "pattern"
			err = a.cache.InvalidateByPattern(ctx, key)
		} else {
			err = a.cache.Invalidate(ctx, key)
		}
		if err != nil {
			metrics.CacheInvalidations.WithLabelValues(kind, "error").Inc()
			a.logger.Error("error invalidating cache", "key", key, "msg", err.Error())
			continue
		}
		metrics.CacheInvalidations.WithLabelValues(kind, "ok").Inc()
	}
}

// Wait blocks until every scheduled repeat invalidation has run.
func (a *Aside) Wait() {
	a.pending.Wait()
}
