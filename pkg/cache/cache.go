// Package cache provides the LRU metadata cache the storage engine
// optionally layers over sidecar reads. Expired entries are dropped
// lazily on Get; there is no background janitor, so the engine stays
// free of goroutines.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Number of evicted entries
	Expired   int64 // Number of entries dropped as expired
}

// Cache is a threadsafe LRU with TTL support.
type Cache struct {
	mu       sync.RWMutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

type entry struct {
	key    string
	value  any
	expire time.Time
}

// New returns a cache with the given capacity and ttl. A ttl of zero
// disables expiry and entries live until evicted or deleted.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get retrieves a value if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry)
		if c.ttl > 0 && c.now().After(ent.expire) {
			c.removeElement(ele)
			atomic.AddInt64(&c.stats.Expired, 1)
			atomic.AddInt64(&c.stats.Misses, 1)
			return nil, false
		}
		c.ll.MoveToFront(ele)
		atomic.AddInt64(&c.stats.Hits, 1)
		return ent.value, true
	}
	atomic.AddInt64(&c.stats.Misses, 1)
	return nil, false
}

// Set inserts or updates a cache entry.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry)
		ent.value = value
		if c.ttl > 0 {
			ent.expire = c.now().Add(c.ttl)
		}
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	ent := &entry{key: key, value: value}
	if c.ttl > 0 {
		ent.expire = c.now().Add(c.ttl)
	}
	ele := c.ll.PushFront(ent)
	c.items[key] = ele
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}

func (c *Cache) evictOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
		atomic.AddInt64(&c.stats.Evictions, 1)
	}
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry)
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      atomic.LoadInt64(&c.stats.Hits),
		Misses:    atomic.LoadInt64(&c.stats.Misses),
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
		Evictions: atomic.LoadInt64(&c.stats.Evictions),
		Expired:   atomic.LoadInt64(&c.stats.Expired),
	}
}

// Size returns the current number of entries in the cache.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ll.Len()
}
