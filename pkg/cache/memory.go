package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Cache for single-instance deployments and tests.
// Invalidations bump a per-family generation, or a global one for patterns
// that span families; versions are built from both.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	families map[string]uint64
	global   uint64
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]memoryEntry),
		families: make(map[string]uint64),
		now:      time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *Memory) versionLocked(key string) string {
	return strconv.FormatUint(m.global, 10) + "/" + strconv.FormatUint(m.families[Family(key)], 10)
}

func (m *Memory) Version(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionLocked(key), nil
}

func (m *Memory) SetIfUnchanged(_ context.Context, key, value, version string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versionLocked(key) != version {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[Family(key)]++
	delete(m.entries, key)
	return nil
}

func (m *Memory) InvalidateByPattern(_ context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return errors.Wrapf(err, "pattern %q", pattern)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if family := Family(pattern); IsPattern(family) {
		m.global++
	} else {
		m.families[family]++
	}
	for key := range m.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.entries, key)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
