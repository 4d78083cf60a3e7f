// ABOUTME: TTL and size bounded set of recently seen event ids.
// ABOUTME: Oldest ids are evicted first; a background sweep drops expired ones.

package messages

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// seenCache tracks event ids in insertion order for O(1) eviction.
type seenCache struct {
	mu      sync.Mutex
	ids     map[string]*seenEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

func newSeenCache(ttl time.Duration, maxSize int, now func() time.Time) *seenCache {
	c := &seenCache{
		ids:     make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// checkAndMark reports whether id was seen within the TTL, marking it if not.
func (c *seenCache) checkAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.ids[id]; ok {
		if now.Sub(e.at) < c.ttl {
			return true
		}
		e.at = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.ids) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.ids, front.Value.(string))
		}
	}
	c.ids[id] = &seenEntry{at: now, element: c.order.PushBack(id)}
	return false
}

func (c *seenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *seenCache) sweepLoop() {
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

func (c *seenCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.ids {
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.ids, id)
		}
	}
}

func (c *seenCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
