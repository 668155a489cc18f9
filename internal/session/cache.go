package session

import (
	"container/list"
	"sync"
)

// Cache is a bounded, capacity-evicting LRU mapping a client session
// identifier to its persisted session record. It exists to collapse
// repeated lookups during bursty ingestion; there is no TTL because
// sessions are immutable once created.
//
// The cache is local to one process. In a multi-instance deployment each
// instance has its own hit rate; correctness is unaffected because the
// durable store remains the source of truth.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key     string
	session *Session
}

// DefaultCacheCapacity bounds the cache when no capacity is configured.
const DefaultCacheCapacity = 10000

// NewCache creates an LRU cache holding at most capacity sessions.
// Non-positive capacities fall back to DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached session for the client session ID, marking it as
// most recently used.
func (c *Cache) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).session.clone(), true
}

// Add stores a session under its client session ID, evicting the least
// recently used entry when the cache is full.
func (c *Cache) Add(sessionID string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[sessionID]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).session = s.clone()
		return
	}

	elem := c.order.PushFront(&cacheEntry{key: sessionID, session: s.clone()})
	c.entries[sessionID] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
