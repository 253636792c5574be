package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConditionalSet checks the version contract every backend shares.
func testConditionalSet(t *testing.T, c Cache) {
	ctx := context.Background()

	t.Run("unchanged", func(t *testing.T) {
		v, err := c.Version(ctx, "posts:1:10")
		require.NoError(t, err)
		stored, err := c.SetIfUnchanged(ctx, "posts:1:10", "page", v, time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)
		got, ok, err := c.Get(ctx, "posts:1:10")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "page", got)
	})

	t.Run("family invalidated", func(t *testing.T) {
		v, err := c.Version(ctx, "posts:2:10")
		require.NoError(t, err)
		require.NoError(t, c.InvalidateByPattern(ctx, AllListings))
		stored, err := c.SetIfUnchanged(ctx, "posts:2:10", "stale", v, time.Minute)
		require.NoError(t, err)
		assert.False(t, stored)
		_, ok, err := c.Get(ctx, "posts:2:10")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("key invalidated", func(t *testing.T) {
		v, err := c.Version(ctx, "post:abc")
		require.NoError(t, err)
		require.NoError(t, c.Invalidate(ctx, "post:abc"))
		stored, err := c.SetIfUnchanged(ctx, "post:abc", "stale", v, time.Minute)
		require.NoError(t, err)
		assert.False(t, stored)
		_, ok, err := c.Get(ctx, "post:abc")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("other family invalidated", func(t *testing.T) {
		v, err := c.Version(ctx, "post:def")
		require.NoError(t, err)
		require.NoError(t, c.InvalidateByPattern(ctx, AllListings))
		stored, err := c.SetIfUnchanged(ctx, "post:def", "fresh", v, time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)
	})
}

func TestMemoryConditionalSet(t *testing.T) {
	testConditionalSet(t, NewMemory())
}

func TestMemoryGlobalPatternChangesEveryVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v, err := m.Version(ctx, "post:abc")
	require.NoError(t, err)
	require.NoError(t, m.InvalidateByPattern(ctx, "*"))
	stored, err := m.SetIfUnchanged(ctx, "post:abc", "stale", v, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}
