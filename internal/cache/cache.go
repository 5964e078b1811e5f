// Package cache memoizes expensive query results with per-entry TTL and
// LRU eviction. It runs no background goroutine; expired entries are
// removed lazily on Get and in bulk by CleanupExpired, which the owner
// schedules.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// NoExpiration pins an entry until it is evicted or deleted.
const NoExpiration time.Duration = -1

type entry struct {
	key       string
	value     any
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	if e.ttl < 0 {
		return false
	}
	return now.Sub(e.createdAt) > e.ttl
}

type Stats struct {
	Size         int
	MaxSize      int
	DefaultTTL   time.Duration
	ExpiredCount int
}

// Cache is a bounded key/value store. Values handed out by Get may be
// shared with other readers and must be treated as immutable snapshots.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	recency    *list.List // front = most recently used
	maxSize    int
	defaultTTL time.Duration
	expired    int

	now func() time.Time
}

func New(maxSize int, defaultTTL time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		recency:    list.New(),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

// Get returns the value for key if present and unexpired, refreshing its
// recency. An expired entry is removed as a side effect and reported
// absent, so sweep timing never leaks stale data.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := element.Value.(*entry)
	if item.expired(c.now()) {
		c.removeLocked(element)
		c.expired++
		return nil, false
	}
	c.recency.MoveToFront(element)
	return item.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. A zero ttl expires immediately;
// NoExpiration never expires. Overwriting an existing key always succeeds;
// a new key at capacity evicts the least recently used entry first.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		item := element.Value.(*entry)
		item.value = value
		item.createdAt = c.now()
		item.ttl = ttl
		c.recency.MoveToFront(element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if oldest := c.recency.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	element := c.recency.PushFront(&entry{key: key, value: value, createdAt: c.now(), ttl: ttl})
	c.entries[key] = element
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.entries[key]; ok {
		c.removeLocked(element)
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
}

// CleanupExpired removes every currently expired entry and returns how
// many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for element := c.recency.Back(); element != nil; {
		previous := element.Prev()
		if element.Value.(*entry).expired(now) {
			c.removeLocked(element)
			removed++
		}
		element = previous
	}
	c.expired += removed
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:         len(c.entries),
		MaxSize:      c.maxSize,
		DefaultTTL:   c.defaultTTL,
		ExpiredCount: c.expired,
	}
}

func (c *Cache) removeLocked(element *list.Element) {
	c.recency.Remove(element)
	delete(c.entries, element.Value.(*entry).key)
}
