package ai

import (
	"container/list"
	"sync"
	"time"

	"otc-desk-bot/pkg/types"
)

// lruCache is a size-bounded TTL cache for classification results.
type lruCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List // front = most recent
	items map[string]*list.Element
}

type lruEntry struct {
	key     string
	value   types.ClassificationResult
	expires time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &lruCache{
		cap:   capacity,
		ttl:   ttl,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (types.ClassificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return types.ClassificationResult{}, false
	}
	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return types.ClassificationResult{}, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *lruCache) put(key string, value types.ClassificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{key: key, value: value, expires: time.Now().Add(c.ttl)})
	c.items[key] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}
