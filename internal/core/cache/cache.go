// Package cache provides the process-wide TTL cache for resolved
// sub-requests. Entries expire lazily at read time; capacity overflow
// reclaims expired entries first and least-recently-used entries second.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const DefaultCapacity = 4096

type entry struct {
	key        string
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

// Cache is a bounded LRU cache with per-entry TTL. Safe for concurrent use.
type Cache struct {
	// Clock overrides the time source, for tests.
	Clock func() time.Time

	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// New creates a cache bounded to capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		stopCh:   make(chan struct{}),
	}
}

// Get returns the live value for key. Expired entries are removed and
// reported as a miss. A hit refreshes recency but not the TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.expired(e, c.now()) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put inserts or replaces the value for key with a fresh TTL.
// A non-positive ttl stores nothing.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.insertedAt = now
		e.ttl = ttl
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[key] = c.lru.PushFront(&entry{
		key:        key,
		value:      value,
		insertedAt: now,
		ttl:        ttl,
	})

	for len(c.entries) > c.capacity {
		c.evictOne(now)
	}
}

// Invalidate removes key, reporting whether it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// InvalidatePrefix removes every entry whose key starts with prefix,
// returning the number removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including not-yet-reclaimed
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// RemoveExpired reclaims every expired entry, returning the number removed.
func (c *Cache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*entry), now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// StartCompaction launches a background loop reclaiming expired entries
// every interval, until Stop is called.
func (c *Cache) StartCompaction(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RemoveExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the compaction loop. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictOne reclaims an expired entry when one exists, otherwise the LRU tail.
// Caller holds the lock.
func (c *Cache) evictOne(now time.Time) {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		if c.expired(elem.Value.(*entry), now) {
			c.removeElement(elem)
			c.evictions++
			return
		}
	}
	if tail := c.lru.Back(); tail != nil {
		c.removeElement(tail)
		c.evictions++
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(c.entries, e.key)
	c.lru.Remove(elem)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

func (c *Cache) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now().UTC()
}
