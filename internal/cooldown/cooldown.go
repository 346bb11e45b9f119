// ABOUTME: Thread-safe TTL cooldown cache keyed by an arbitrary comparable key.
// ABOUTME: Used to throttle repeated magic-link requests for the same user.

// Package cooldown rejects repeated actions for the same key within a window.
package cooldown

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a key was marked and its position in the eviction list.
type entry[K comparable] struct {
	markedAt time.Time
	element  *list.Element
}

// Cache is a size-bounded set of recently marked keys. Keys expire ttl after
// they were marked; when full, the oldest mark is evicted.
type Cache[K comparable] struct {
	mu      sync.Mutex
	marks   map[K]*entry[K]
	order   *list.List // keys in mark order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option[K comparable] func(*Cache[K])

// WithClock sets the time source, for tests.
func WithClock[K comparable](now func() time.Time) Option[K] {
	return func(c *Cache[K]) {
		c.now = now
	}
}

// New creates a cooldown cache. A ttl of zero disables the cooldown: every
// call to Allow succeeds. A background goroutine sweeps expired keys until
// Close is called.
func New[K comparable](ttl time.Duration, maxSize int, opts ...Option[K]) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c := &Cache[K]{
		marks:   make(map[K]*entry[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if ttl > 0 {
		go c.cleanup()
	}
	return c
}

// Allow atomically checks the key and marks it when it is not cooling down.
// It returns false and the remaining wait when the key was marked less than
// ttl ago.
func (c *Cache[K]) Allow(key K) (bool, time.Duration) {
	if c.ttl <= 0 {
		return true, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.marks[key]; ok {
		if elapsed := now.Sub(e.markedAt); elapsed < c.ttl {
			return false, c.ttl - elapsed
		}
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return true, 0
	}

	if len(c.marks) >= c.maxSize {
		c.evictOldest()
	}
	c.marks[key] = &entry[K]{
		markedAt: now,
		element:  c.order.PushBack(key),
	}
	return true, 0
}

// Forget removes the key so the next Allow succeeds. Callers use it when
// the throttled action failed and may be retried immediately.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.marks[key]; ok {
		c.order.Remove(e.element)
		delete(c.marks, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.marks)
}

// evictOldest removes the oldest mark. Must be called with mu held.
func (c *Cache[K]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(K)
	c.order.Remove(front)
	delete(c.marks, key)
}

// cleanup periodically removes expired marks.
func (c *Cache[K]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired marks. Marks are ordered by time, so it stops at
// the first live one.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(K)
		if now.Sub(c.marks[key].markedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.marks, key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
