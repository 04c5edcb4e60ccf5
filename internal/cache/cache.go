// Package cache implements the single-record read cache described in the
// design: a bounded, thread-safe, LRU+TTL map from document_id to the last
// read materialized view. It sits on the read path only — it never
// initiates backend calls, and a miss simply returns absent so the caller
// performs the backing read.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// SizeOf estimates the in-memory footprint of a cached value. The default,
// DefaultSizeOf, marshals to JSON and measures the byte length; callers with
// a cheaper estimate can supply their own via Config.SizeOf.
type SizeOf func(value interface{}) int

// DefaultSizeOf estimates size as the length of the value's JSON encoding.
// Values that fail to marshal are charged a fixed 1 KiB so a pathological
// value can't be estimated as free.
func DefaultSizeOf(value interface{}) int {
	b, err := json.Marshal(value)
	if err != nil {
		return 1024
	}
	return len(b)
}

// Config configures a Cache's capacity and expiry.
type Config struct {
	// MaxSize bounds the number of entries (0 = unbounded by count).
	MaxSize int
	// MaxBytes bounds the estimated total size (0 = unbounded by bytes).
	MaxBytes int64
	// DefaultTTL is applied to entries that don't specify their own; zero
	// means entries never expire unless Put is given an explicit ttl.
	DefaultTTL time.Duration
	// SizeOf estimates a value's footprint; defaults to DefaultSizeOf.
	SizeOf SizeOf
}

// Stats is the point-in-time snapshot returned by Cache.Stats.
type Stats struct {
	Hits             int64
	Misses           int64
	Evictions        int64
	Invalidations    int64
	CurrentSize      int
	CurrentBytes     int64
	AvgAccessTimeNs  int64
}

type entry struct {
	id          string
	value       interface{}
	size        int
	ttl         time.Duration
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
}

// Cache is a concurrent LRU+TTL map. The zero value is not usable; build
// one with New. All operations are safe under concurrent access and hold
// their mutex only across O(1) map/list bookkeeping — never across adapter
// I/O, per the design's concurrency model.
type Cache struct {
	mu sync.Mutex

	cfg Config

	items map[string]*list.Element // document_id -> *entry wrapped in list.Element
	order *list.List               // front = most recently used

	totalBytes int64

	hits, misses, evictions, invalidations int64
	accessTimeTotalNs                      int64
	accessCount                            int64

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// New builds a Cache from Config, applying defaults for zero fields.
func New(cfg Config) *Cache {
	if cfg.SizeOf == nil {
		cfg.SizeOf = DefaultSizeOf
	}
	return &Cache{
		cfg:   cfg,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Get returns the cached materialized view for id, or (nil, false) on a
// miss — whether because the key was never cached, it was evicted, or its
// TTL lapsed (checked lazily here, on access).
func (c *Cache) Get(id string) (interface{}, bool) {
	start := time.Now()
	c.mu.Lock()
	defer func() {
		c.accessTimeTotalNs += time.Since(start).Nanoseconds()
		c.accessCount++
		c.mu.Unlock()
	}()

	el, ok := c.items[id]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if e.ttl > 0 && time.Since(e.createdAt) > e.ttl {
		c.removeElement(el)
		c.invalidations++
		c.misses++
		return nil, false
	}

	e.lastAccess = time.Now()
	e.accessCount++
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Put inserts or replaces the cached value for id. ttl of zero uses the
// cache's DefaultTTL (which may itself be zero, meaning "never expires").
func (c *Cache) Put(id string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	size := c.cfg.SizeOf(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		old := el.Value.(*entry)
		c.totalBytes -= int64(old.size)
		now := time.Now()
		*old = entry{
			id:         id,
			value:      value,
			size:       size,
			ttl:        ttl,
			createdAt:  now,
			lastAccess: now,
		}
		c.order.MoveToFront(el)
		c.totalBytes += int64(size)
		c.evictToFit()
		return
	}

	now := time.Now()
	e := &entry{
		id:         id,
		value:      value,
		size:       size,
		ttl:        ttl,
		createdAt:  now,
		lastAccess: now,
	}
	el := c.order.PushFront(e)
	c.items[id] = el
	c.totalBytes += int64(size)
	c.evictToFit()
}

// Invalidate removes id from the cache, if present. This is what the saga
// coordinator calls on a successful commit (§4.5 step 5) so the next read
// observes the saga's effects rather than a stale view.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.removeElement(el)
		c.invalidations++
	}
}

// InvalidatePattern removes every entry for which predicate returns true.
func (c *Cache) InvalidatePattern(predicate func(id string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for id, el := range c.items {
		if predicate(id) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
		c.invalidations++
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.totalBytes = 0
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg int64
	if c.accessCount > 0 {
		avg = c.accessTimeTotalNs / c.accessCount
	}
	return Stats{
		Hits:            c.hits,
		Misses:          c.misses,
		Evictions:       c.evictions,
		Invalidations:   c.invalidations,
		CurrentSize:     len(c.items),
		CurrentBytes:    c.totalBytes,
		AvgAccessTimeNs: avg,
	}
}

// HitRate returns hits / (hits + misses), or 0 when no lookups happened yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// evictToFit evicts from the back of the LRU order until both the size and
// byte budgets are satisfied. Must be called with c.mu held.
func (c *Cache) evictToFit() {
	for (c.cfg.MaxSize > 0 && len(c.items) > c.cfg.MaxSize) ||
		(c.cfg.MaxBytes > 0 && c.totalBytes > c.cfg.MaxBytes) {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
	}
}

// removeElement deletes el from both the map and the list. Must be called
// with c.mu held.
func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.id)
	c.order.Remove(el)
	c.totalBytes -= int64(e.size)
}
