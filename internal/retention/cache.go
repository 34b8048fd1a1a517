// ABOUTME: Thread-safe TTL and size-bounded keyed cache with eviction callbacks
// ABOUTME: Expires idle conversation logs and remembers idempotency keys of started turns

package retention

import (
	"container/list"
	"sync"
	"time"
)

// Reason tells an eviction callback why an entry left the cache.
type Reason int

const (
	// Expired entries were idle for longer than the TTL.
	Expired Reason = iota
	// Overflow entries were the least recently touched when the cache was full.
	Overflow
)

func (r Reason) String() string {
	if r == Overflow {
		return "overflow"
	}
	return "expired"
}

// EvictFunc is called outside the cache lock for every evicted entry.
// Explicit Delete calls do not trigger it.
type EvictFunc[V any] func(key string, value V, reason Reason)

type entry[V any] struct {
	key     string
	value   V
	touched time.Time
	element *list.Element
}

// Cache maps keys to values, forgetting entries that were not touched within
// the TTL and evicting the least recently touched entry when full. A
// doubly-linked list keeps touch order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // least recently touched at front
	ttl     time.Duration
	maxSize int
	onEvict EvictFunc[V]
	keep    func(key string) bool
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. ttl <= 0 disables expiry and maxSize <= 0 disables
// the size bound. A background goroutine sweeps expired entries until Close.
func New[V any](ttl time.Duration, maxSize int, onEvict EvictFunc[V]) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		onEvict: onEvict,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.sweepLoop(sweepInterval(ttl))
	}
	return c
}

// sweepInterval runs sweeps at half the TTL, between one second and one minute.
// Keep installs a predicate, called with the cache lock held, naming keys
// that must not be evicted. Kept keys stay live past their TTL and are passed
// over when the cache is full, so it may then exceed its size bound. fn must
// not call back into the cache. Call Keep before the cache is used.
func (c *Cache[V]) Keep(fn func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keep = fn
}

func (c *Cache[V]) kept(key string) bool {
	return c.keep != nil && c.keep(key)
}

// oldestEvictableLocked returns the least recently touched entry that is not kept.
func (c *Cache[V]) oldestEvictableLocked() *entry[V] {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry[V]); !c.kept(e.key) {
			return e
		}
	}
	return nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	d := ttl / 2
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.touched) >= c.ttl
}

// Get returns the live value for key without refreshing it.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e, c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Touch refreshes key, inserting value if the key is absent or expired.
// An existing live value is kept.
func (c *Cache[V]) Touch(key string, value V) {
	c.mu.Lock()
	evicted := c.touchLocked(key, value, false)
	c.mu.Unlock()
	c.notify(evicted)
}

// Put inserts or replaces the value for key and refreshes it.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	evicted := c.touchLocked(key, value, true)
	c.mu.Unlock()
	c.notify(evicted)
}

// PutIfAbsent atomically stores value unless a live entry exists. It returns
// the live value and true when the key was already present.
func (c *Cache[V]) PutIfAbsent(key string, value V) (V, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expired(e, c.now()) {
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	evicted := c.touchLocked(key, value, true)
	c.mu.Unlock()
	c.notify(evicted)
	return value, false
}

// touchLocked must be called with mu held. It returns entries evicted to make room.
func (c *Cache[V]) touchLocked(key string, value V, replace bool) []*entry[V] {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		if replace || c.expired(e, now) {
			e.value = value
		}
		e.touched = now
		c.order.MoveToBack(e.element)
		return nil
	}

	var evicted []*entry[V]
	for c.maxSize > 0 && len(c.entries) >= c.maxSize {
		old := c.oldestEvictableLocked()
		if old == nil {
			break
		}
		c.removeLocked(old)
		evicted = append(evicted, old)
	}

	e := &entry[V]{key: key, value: value, touched: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return evicted
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache[V]) notify(evicted []*entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value, Overflow)
	}
}

// Delete forgets key without calling the eviction callback.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes every expired entry and reports them to the callback.
// Entries are ordered by touch time, so the scan stops at the first live one.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	now := c.now()
	var expired []*entry[V]
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry[V])
		if !c.expired(e, now) {
			break
		}
		next := el.Next()
		if c.kept(e.key) {
			e.touched = now
			c.order.MoveToBack(el)
		} else {
			c.removeLocked(e)
			expired = append(expired, e)
		}
		el = next
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, e := range expired {
			c.onEvict(e.key, e.value, Expired)
		}
	}
	return len(expired)
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
