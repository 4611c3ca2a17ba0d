// ABOUTME: Thread-safe TTL cache for suppressing replayed inbound messages.
// ABOUTME: Used on at-least-once topics where duplicate deliveries are expected.

package dedupe

import (
	"sync"
	"time"
)

// entry records when a key was last marked.
type entry struct {
	seenAt time.Time
}

// Cache tracks recently seen message ids. QoS-1 delivery can hand the same
// message to the gateway more than once; the first observation wins and
// later ones are reported as duplicates until the TTL lapses. Size-bounded:
// at capacity the oldest key is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   []string // keys in insertion order, oldest first
	ttl     time.Duration
	maxSize int
	stop    chan struct{}
	once    sync.Once
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine prunes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.prune()
	return c
}

// Seen atomically checks whether a key was observed within the TTL and marks
// it if not. Returns true for a duplicate, false for a first observation.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	if _, exists := c.seen[key]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.seen, oldest)
		}
		c.order = append(c.order, key)
	}
	c.seen[key] = &entry{seenAt: now}
	return false
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the background pruner.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// prune drops expired entries so the cache does not pin memory for quiet
// topics.
func (c *Cache) prune() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			kept := c.order[:0]
			for _, key := range c.order {
				e, ok := c.seen[key]
				if !ok {
					continue
				}
				if now.Sub(e.seenAt) >= c.ttl {
					delete(c.seen, key)
					continue
				}
				kept = append(kept, key)
			}
			c.order = kept
			c.mu.Unlock()
		}
	}
}
