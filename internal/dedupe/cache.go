// ABOUTME: TTL cache that detects retried client sends
// ABOUTME: Keyed by (project, sender, client message id); size-capped

package dedupe

import (
	"strings"
	"sync"
	"time"
)

// SendKey builds the cache key for a client send. The client message id is
// only unique per sender, so the key carries all three parts.
func SendKey(projectID, senderID, clientMessageID string) string {
	return strings.Join([]string{projectID, senderID, clientMessageID}, "/")
}

// queued records when a key entered the queue. An entry is stale once the
// map holds a newer mark time for its key.
type queued struct {
	key string
	at  time.Time
}

// Cache remembers recently seen send keys for a TTL so a retrying client
// cannot create the same message twice. It holds at most maxSize live
// entries; when full, the oldest entry is dropped to admit a new one.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	queue  []queued
	ttl    time.Duration
	max    int
	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		max:  maxSize,
		done: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen reports whether key was marked within the TTL, marking it if not.
// The check and the mark happen under one lock so two concurrent retries
// cannot both pass.
func (c *Cache) Seen(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if _, ok := c.seen[key]; !ok && len(c.seen) >= c.max {
		c.evictOldestLocked()
	}
	c.seen[key] = now
	c.queue = append(c.queue, queued{key: key, at: now})
	return false
}

// evictOldestLocked drops the oldest live entry, skipping queue entries
// superseded by a later mark of the same key.
func (c *Cache) evictOldestLocked() {
	for len(c.queue) > 0 {
		q := c.queue[0]
		c.queue = c.queue[1:]
		if at, ok := c.seen[q.key]; ok && at.Equal(q.at) {
			delete(c.seen, q.key)
			return
		}
	}
}

func (c *Cache) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.done:
			return
		}
	}
}

// expire removes entries older than the TTL and compacts the queue.
func (c *Cache) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, key)
		}
	}
	live := c.queue[:0]
	for _, q := range c.queue {
		if at, ok := c.seen[q.key]; ok && at.Equal(q.at) {
			live = append(live, q)
		}
	}
	c.queue = live
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
