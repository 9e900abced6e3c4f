package forum

import (
	"container/list"
	"sync"
	"time"

	"feedsentinel/internal/feed"
	"feedsentinel/internal/metrics"
)

// entryCache is an LRU cache with TTL for discovered forum endpoints.
// Expired entries are hidden by Values and dropped by Prune.
type entryCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	items   map[string]*cacheItem
	lruList *list.List
	mu      sync.Mutex
}

type cacheItem struct {
	key       string
	value     feed.Source
	element   *list.Element
	expiresAt time.Time
}

func newEntryCache(maxSize int, ttl time.Duration, now func() time.Time) *entryCache {
	return &entryCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
		items:   make(map[string]*cacheItem),
		lruList: list.New(),
	}
}

// Set inserts or refreshes an entry and restarts its TTL.
func (c *entryCache) Set(src feed.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[src.ID]; ok {
		existing.value = src
		existing.expiresAt = c.now().Add(c.ttl)
		c.lruList.MoveToFront(existing.element)
		return
	}

	item := &cacheItem{
		key:       src.ID,
		value:     src,
		expiresAt: c.now().Add(c.ttl),
	}
	item.element = c.lruList.PushFront(item)
	c.items[src.ID] = item

	if len(c.items) > c.maxSize {
		c.evictLRU()
	}
}

func (c *entryCache) evictLRU() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeItem(oldest.Value.(*cacheItem))
	metrics.DirectoryEvictions.WithLabelValues("capacity").Inc()
}

func (c *entryCache) removeItem(item *cacheItem) {
	delete(c.items, item.key)
	c.lruList.Remove(item.element)
}

// Prune drops expired entries and returns how many were removed.
func (c *entryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []*cacheItem
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		c.removeItem(item)
	}
	if len(expired) > 0 {
		metrics.DirectoryEvictions.WithLabelValues("expired").Add(float64(len(expired)))
	}
	return len(expired)
}

// Values returns the live entries without touching recency.
func (c *entryCache) Values() []feed.Source {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]feed.Source, 0, len(c.items))
	for _, item := range c.items {
		if !now.After(item.expiresAt) {
			out = append(out, item.value)
		}
	}
	return out
}

func (c *entryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
