// Package cache implements the cache-aside layer shared by the services: a
// small key/value contract with TTLs and glob invalidation, three backends,
// and the read-through helper Fetch.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnsupportedPattern is returned by backends that can only invalidate some
// pattern shapes.
var ErrUnsupportedPattern = errors.New("unsupported invalidation pattern")

// Cache does not distinguish a key that was never written from one whose TTL
// has elapsed: both are reported as a miss.
//
// Version returns an opaque token for the invalidation state covering key.
// SetIfUnchanged stores value only when no invalidation covering key has
// happened since that token was taken, and reports whether it did. Any
// Invalidate or InvalidateByPattern that could have removed key changes the
// token.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Version(ctx context.Context, key string) (string, error)
	SetIfUnchanged(ctx context.Context, key, value, version string, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, key string) error
	InvalidateByPattern(ctx context.Context, pattern string) error
}

// Family returns the part of key before the first ':'.
func Family(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// IsPattern reports whether s holds glob metacharacters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// PostKey and ListingKey build the keys of the two post families.
func PostKey(id string) string {
	return "post:" + id
}

func ListingKey(page, limit int64) string {
	return "posts:" + strconv.FormatInt(page, 10) + ":" + strconv.FormatInt(limit, 10)
}

// AllListings matches every cached listing page.
const AllListings = "posts:*"
