package backend

import "container/list"

// cacheCapacity bounds the continuous-series read cache.
const cacheCapacity = 64

// cacheKey identifies one exact read request.
type cacheKey struct {
	symbol   string
	start    string
	end      string
	limit    int
	hasLimit bool
}

func newCacheKey(symbol, start, end string, limit *int) cacheKey {
	key := cacheKey{symbol: symbol, start: start, end: end}
	if limit != nil {
		key.limit = *limit
		key.hasLimit = true
	}
	return key
}

type cacheEntry struct {
	key  cacheKey
	rows []Row
}

// lruCache is a recency-ordered bounded cache. It is deliberately
// unsynchronized: each Client owns exactly one and Clients are never shared
// across concurrency boundaries.
type lruCache struct {
	capacity int
	order    *list.List
	items    map[cacheKey]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[cacheKey]*list.Element, capacity),
	}
}

// get returns the cached rows for key, promoting the entry to
// most-recently-used.
func (c *lruCache) get(key cacheKey) ([]Row, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).rows, true
}

// put stores rows under key, evicting the least-recently-used entry when the
// cache exceeds capacity.
func (c *lruCache) put(key cacheKey, rows []Row) {
	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).rows = rows
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, rows: rows})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *lruCache) len() int { return c.order.Len() }
