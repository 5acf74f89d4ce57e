// Package dedupe remembers recently seen keys so duplicate webhook deliveries
// can be acknowledged without reprocessing.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type item struct {
	key    string
	seenAt time.Time
}

// Cache is a size-bounded, TTL-expiring set of keys. Oldest keys are evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache and starts its janitor. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		index:   map[string]*list.Element{},
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.janitor(janitorInterval(ttl))
	return c
}

func janitorInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Seen marks key and reports whether it had already been marked within the TTL.
// The check and mark happen under one lock so concurrent callers agree on a single winner.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		it := el.Value.(*item)
		if now.Sub(it.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}
	for len(c.index) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.index[key] = c.order.PushBack(&item{key: key, seenAt: now})
	return false
}

// Forget drops key so the next Seen call treats it as new. Used when processing
// of a marked key fails and a provider retry should be accepted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*item).key)
}

func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	// Insertion order is also expiry order.
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		it := el.Value.(*item)
		if now.Sub(it.seenAt) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, it.key)
	}
}

func (c *Cache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stop:
			return
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
