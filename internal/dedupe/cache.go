// ABOUTME: Thread-safe TTL claim cache keeping one task from being started twice
// ABOUTME: The dispatcher claims task ids before handing them to a bridge and releases them when done

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// claim stores when a key was claimed and its position in claim order.
type claim struct {
	at      time.Time
	element *list.Element
}

// Cache tracks in-flight keys. A claim lasts until Release or until the TTL
// passes, whichever comes first, so a lost Release cannot pin a key forever.
// When full, the oldest claim is evicted.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a claim cache. A background goroutine sweeps expired claims.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Claim takes a key. It returns false when the key is already held.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[key]; ok {
		if now.Sub(cl.at) < c.ttl {
			return false
		}
		c.removeLocked(key, cl)
	}

	if len(c.claims) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.claims[key] = &claim{at: now, element: c.order.PushBack(key)}
	return true
}

// Release gives a key back. Releasing an unheld key is a no-op.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[key]; ok {
		c.removeLocked(key, cl)
	}
}

// Held reports whether a key is currently claimed.
func (c *Cache) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[key]
	return ok && c.now().Sub(cl.at) < c.ttl
}

// Len returns the number of claims, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) removeLocked(key string, cl *claim) {
	c.order.Remove(cl.element)
	delete(c.claims, key)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, key)
}

func (c *Cache) sweepLoop() {
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

// sweep drops expired claims. Claims are ordered oldest first.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		cl := c.claims[key]
		if now.Sub(cl.at) < c.ttl {
			return
		}
		next := e.Next()
		c.removeLocked(key, cl)
		e = next
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
