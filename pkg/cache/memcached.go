package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
)

const maxRelativeExpiration = 30 * 24 * time.Hour

// MemcacheClient is the subset of *memcache.Client used by Memcached.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Delete(key string) error
	DeleteAll() error
	Increment(key string, delta uint64) (uint64, error)
}

// Memcached stores entries in memcached. Memcached cannot enumerate keys, so
// every entry is stored under two counters: the generation of its family
// ("post", "posts", ...) kept in "ns:<family>", and its own version kept in
// "ver:<key>". Invalidating "family:*" bumps the generation and invalidating
// a key bumps its version; either way the old entry becomes unreachable
// until it expires. The resolved storage key doubles as the entry's version.
type Memcached struct {
	client MemcacheClient
	now    func() time.Time
}

func NewMemcached(client MemcacheClient) *Memcached {
	return &Memcached{client: client, now: time.Now}
}

func namespaceKey(family string) string {
	return "ns:" + family
}

func versionKey(key string) string {
	return "ver:" + key
}

// counters reads the given counter keys, seeding missing ones with the
// current time so that a counter lost to eviction never repeats a value.
func (m *Memcached) counters(keys ...string) ([]uint64, error) {
	out := make([]uint64, len(keys))
	for attempt := 0; attempt < 2; attempt++ {
		items, err := m.client.GetMulti(keys)
		if err != nil {
			return nil, err
		}
		settled := true
		for i, k := range keys {
			if item, ok := items[k]; ok {
				n, err := strconv.ParseUint(strings.TrimSpace(string(item.Value)), 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "counter %s", k)
				}
				out[i] = n
				continue
			}
			seed := uint64(m.now().UnixNano())
			err := m.client.Add(&memcache.Item{Key: k, Value: []byte(strconv.FormatUint(seed, 10))})
			switch {
			case err == nil:
				out[i] = seed
			case errors.Is(err, memcache.ErrNotStored):
				// lost the race to another writer, read theirs
				settled = false
			default:
				return nil, err
			}
		}
		if settled {
			return out, nil
		}
	}
	return nil, errors.Errorf("could not settle counters %v", keys)
}

// bump advances a counter, reseeding it when it was evicted.
func (m *Memcached) bump(key string) error {
	_, err := m.client.Increment(key, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		seed := strconv.FormatInt(m.now().UnixNano(), 10)
		err = m.client.Set(&memcache.Item{Key: key, Value: []byte(seed)})
	}
	return err
}

func (m *Memcached) storedKey(key string) (string, error) {
	family := Family(key)
	c, err := m.counters(namespaceKey(family), versionKey(key))
	if err != nil {
		return "", errors.Wrapf(err, "memcached counters for %s", key)
	}
	return fmt.Sprintf("%s@%d.%d%s", family, c[0], c[1], key[len(family):]), nil
}

func (m *Memcached) Get(_ context.Context, key string) (string, bool, error) {
	k, err := m.storedKey(key)
	if err != nil {
		return "", false, err
	}
	item, err := m.client.Get(k)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "memcached get %s", key)
	}
	return string(item.Value), true, nil
}

func (m *Memcached) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	k, err := m.storedKey(key)
	if err != nil {
		return err
	}
	item := &memcache.Item{Key: k, Value: []byte(value), Expiration: m.expiration(ttl)}
	return errors.Wrapf(m.client.Set(item), "memcached set %s", key)
}

func (m *Memcached) Version(_ context.Context, key string) (string, error) {
	return m.storedKey(key)
}

// SetIfUnchanged writes under the storage key captured in version. A write
// that races an invalidation lands on a key nobody reads any more.
func (m *Memcached) SetIfUnchanged(_ context.Context, key, value, version string, ttl time.Duration) (bool, error) {
	current, err := m.storedKey(key)
	if err != nil {
		return false, err
	}
	if current != version {
		return false, nil
	}
	item := &memcache.Item{Key: version, Value: []byte(value), Expiration: m.expiration(ttl)}
	if err := m.client.Set(item); err != nil {
		return false, errors.Wrapf(err, "memcached set %s", key)
	}
	return true, nil
}

// expiration converts ttl to memcached's format, which treats values above
// 30 days as absolute unix times.
func (m *Memcached) expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiration {
		return int32(m.now().Add(ttl).Unix())
	}
	secs := int32(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}

func (m *Memcached) Invalidate(_ context.Context, key string) error {
	return errors.Wrapf(m.bump(versionKey(key)), "memcached invalidate %s", key)
}

// InvalidateByPattern accepts "*" and "<family>:*".
func (m *Memcached) InvalidateByPattern(_ context.Context, pattern string) error {
	if pattern == "*" {
		return errors.Wrap(m.client.DeleteAll(), "memcached flush")
	}
	family, ok := strings.CutSuffix(pattern, ":*")
	if !ok || family == "" || IsPattern(family) || strings.Contains(family, ":") {
		return errors.Wrapf(ErrUnsupportedPattern, "memcached pattern %q", pattern)
	}
	return errors.Wrapf(m.bump(namespaceKey(family)), "memcached invalidate %s", pattern)
}
