// ABOUTME: Time and size bounded window of recently processed message ids
// ABOUTME: Lets the change-feed listener drop records replayed after a feed resume

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered id. Entries sit in the list ordered by when they
// were last marked, oldest at the front.
type entry struct {
	id     string
	marked time.Time
}

// Cache is a set of ids that forgets members after ttl, or earlier when
// more than maxSize ids are held.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

// sweepInterval is half the ttl, kept between one second and one minute.
func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Second), time.Minute)
}

// Seen reports whether id was marked within the ttl. An unseen id is
// marked in the same step, so of several concurrent callers exactly one
// gets false.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.index[id]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.marked) < c.ttl {
			return true
		}
		e.marked = now
		c.order.MoveToBack(el)
		return false
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[id] = c.order.PushBack(&entry{id: id, marked: now})
	return false
}

// Contains reports whether id is remembered, without marking it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	return ok && time.Since(el.Value.(*entry).marked) < c.ttl
}

// Len returns the number of remembered ids, including expired ones not
// yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).id)
}

// sweep drops expired ids. Because the list is ordered by mark time it
// stops at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).marked) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
