package cache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	scanBatch = 100

	// generation counters live beside the entries and are never scanned away
	genPrefix = "gen:"
	genAll    = genPrefix + "@all"
)

// setIfUnchanged compares the global and family generations with the
// version the caller captured and writes only when both still match.
var setIfUnchanged = redis.NewScript(`
local current = (redis.call('GET', KEYS[2]) or '') .. '/' .. (redis.call('GET', KEYS[3]) or '')
if current ~= ARGV[2] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Redis stores entries under their own keys. Every invalidation first bumps
// a generation counter, per family or global for patterns spanning
// families, and then deletes; conditional writes compare against those
// counters atomically.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func familyGenKey(key string) string {
	return genPrefix + Family(key)
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis get %s", key)
	}
	return value, true, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrapf(r.client.Set(ctx, key, value, ttl).Err(), "redis set %s", key)
}

func (r *Redis) Version(ctx context.Context, key string) (string, error) {
	values, err := r.client.MGet(ctx, genAll, familyGenKey(key)).Result()
	if err != nil {
		return "", errors.Wrapf(err, "redis version %s", key)
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			parts[i] = s
		}
	}
	return strings.Join(parts, "/"), nil
}

func (r *Redis) SetIfUnchanged(ctx context.Context, key, value, version string, ttl time.Duration) (bool, error) {
	n, err := setIfUnchanged.Run(ctx, r.client,
		[]string{key, genAll, familyGenKey(key)},
		value, version, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "redis conditional set %s", key)
	}
	return n == 1, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Incr(ctx, familyGenKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "redis incr generation for %s", key)
	}
	return errors.Wrapf(r.client.Del(ctx, key).Err(), "redis del %s", key)
}

// InvalidateByPattern walks the keyspace with SCAN and deletes matches in
// batches, so it never blocks the server the way KEYS would.
func (r *Redis) InvalidateByPattern(ctx context.Context, pattern string) error {
	gen := genAll
	if family := Family(pattern); !IsPattern(family) {
		gen = genPrefix + family
	}
	if err := r.client.Incr(ctx, gen).Err(); err != nil {
		return errors.Wrapf(err, "redis incr generation for %s", pattern)
	}

	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), genPrefix) {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return errors.Wrapf(err, "redis del %s", pattern)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrapf(err, "redis scan %s", pattern)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return errors.Wrapf(err, "redis del %s", pattern)
		}
	}
	return nil
}
