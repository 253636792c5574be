package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisForTest(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, srv
}

func TestRedisInvalidateByPattern(t *testing.T) {
	ctx := context.Background()
	client, _ := redisForTest(t)
	r := NewRedis(client)

	for i := 0; i < 2*scanBatch+7; i++ {
		require.NoError(t, r.SetWithTTL(ctx, fmt.Sprintf("posts:%d:10", i), "page", time.Minute))
	}
	require.NoError(t, r.SetWithTTL(ctx, "post:abc", "single", time.Minute))

	require.NoError(t, r.InvalidateByPattern(ctx, AllListings))

	for i := 0; i < 2*scanBatch+7; i++ {
		_, ok, err := r.Get(ctx, fmt.Sprintf("posts:%d:10", i))
		require.NoError(t, err)
		require.False(t, ok, i)
	}
	v, ok, err := r.Get(ctx, "post:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "single", v)
}

func TestRedisMiss(t *testing.T) {
	client, _ := redisForTest(t)
	r := NewRedis(client)
	_, ok, err := r.Get(context.Background(), "post:none")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	client, srv := redisForTest(t)
	r := NewRedis(client)

	v, err := r.Version(ctx, "post:abc")
	require.NoError(t, err)
	stored, err := r.SetIfUnchanged(ctx, "post:abc", "x", v, time.Minute)
	require.NoError(t, err)
	require.True(t, stored)
	assert.Equal(t, time.Minute, srv.TTL("post:abc"))

	srv.FastForward(time.Minute)
	_, ok, err := r.Get(ctx, "post:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisConditionalSet(t *testing.T) {
	client, _ := redisForTest(t)
	testConditionalSet(t, NewRedis(client))
}

func TestRedisFlushPatternKeepsGenerations(t *testing.T) {
	ctx := context.Background()
	client, srv := redisForTest(t)
	r := NewRedis(client)

	require.NoError(t, r.Invalidate(ctx, "post:abc"))
	v, err := r.Version(ctx, "post:abc")
	require.NoError(t, err)

	require.NoError(t, r.InvalidateByPattern(ctx, "*"))
	assert.True(t, srv.Exists(familyGenKey("post:abc")), "generation counters survive a flush")

	stored, err := r.SetIfUnchanged(ctx, "post:abc", "stale", v, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}
