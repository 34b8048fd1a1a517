// ABOUTME: Tests for the retention cache
// ABOUTME: Validates TTL expiry, size eviction, sweeping, callbacks and concurrency safety

package retention

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type eviction struct {
	key    string
	reason Reason
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache[int], *fakeClock, *[]eviction) {
	t.Helper()
	var evicted []eviction
	var mu sync.Mutex
	c := New[int](ttl, maxSize, func(key string, _ int, reason Reason) {
		mu.Lock()
		evicted = append(evicted, eviction{key, reason})
		mu.Unlock()
	})
	t.Cleanup(c.Close)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clock.now
	return c, clock, &evicted
}

func TestCache_GetAbsent(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute, 10)
	_, ok := c.Get("never")
	assert.False(t, ok)
}

func TestCache_PutGet(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
}

func TestCache_Expiry(t *testing.T) {
	c, clock, evicted := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)

	clock.advance(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry expires at the TTL")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []eviction{{"a", Expired}}, *evicted)
}

func TestCache_TouchRefreshesButKeepsValue(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)

	clock.advance(40 * time.Second)
	c.Touch("a", 99)
	clock.advance(40 * time.Second)

	v, ok := c.Get("a")
	require.True(t, ok, "touch pushed expiry out")
	assert.Equal(t, 1, v, "touch keeps a live value")

	c.Touch("b", 7)
	v, _ = c.Get("b")
	assert.Equal(t, 7, v, "touch inserts absent keys")
}

func TestCache_SweepStopsAtFirstLiveEntry(t *testing.T) {
	c, clock, evicted := newTestCache(t, time.Minute, 10)
	c.Put("old-1", 1)
	c.Put("old-2", 2)
	clock.advance(45 * time.Second)
	c.Put("fresh", 3)
	clock.advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []eviction{{"old-1", Expired}, {"old-2", Expired}}, *evicted)
}

func TestCache_OverflowEvictsLeastRecentlyTouched(t *testing.T) {
	c, clock, evicted := newTestCache(t, time.Hour, 3)
	c.Put("first", 1)
	clock.advance(time.Millisecond)
	c.Put("second", 2)
	clock.advance(time.Millisecond)
	c.Put("third", 3)
	clock.advance(time.Millisecond)

	c.Touch("first", 0)
	c.Put("fourth", 4)

	_, ok := c.Get("second")
	assert.False(t, ok, "second was least recently touched")
	for _, k := range []string{"first", "third", "fourth"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, []eviction{{"second", Overflow}}, *evicted)
}

func TestCache_KeptEntriesSurviveOverflowAndExpiry(t *testing.T) {
	c, clock, evicted := newTestCache(t, time.Minute, 2)
	c.Keep(func(key string) bool { return key == "busy" })

	c.Put("busy", 1)
	clock.advance(time.Millisecond)
	c.Put("idle", 2)
	clock.advance(time.Millisecond)
	c.Put("new", 3)

	_, ok := c.Get("busy")
	assert.True(t, ok, "kept entries are passed over when full")
	_, ok = c.Get("idle")
	assert.False(t, ok)
	assert.Equal(t, []eviction{{"idle", Overflow}}, *evicted)

	clock.advance(time.Minute)
	assert.Equal(t, 1, c.Sweep(), "only the unkept entry expires")
	_, ok = c.Get("busy")
	assert.True(t, ok, "sweeping refreshes kept entries")
	assert.Equal(t, 1, c.Len())
}

func TestCache_PutIfAbsent(t *testing.T) {
	c, clock, _ := newTestCache(t, time.Minute, 10)

	v, loaded := c.PutIfAbsent("k", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = c.PutIfAbsent("k", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)

	clock.advance(time.Minute)
	v, loaded = c.PutIfAbsent("k", 3)
	assert.False(t, loaded, "expired entries are replaced")
	assert.Equal(t, 3, v)
}

func TestCache_PutIfAbsent_Atomic(t *testing.T) {
	c := New[int](time.Minute, 100, nil)
	defer c.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() {
			if _, loaded := c.PutIfAbsent("contested", i); !loaded {
				winners.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_DeleteSkipsCallback(t *testing.T) {
	c, _, evicted := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)
	c.Delete("a")
	c.Delete("missing")
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, *evicted)
}

func TestCache_NoLimits(t *testing.T) {
	c := New[string](0, 0, nil)
	defer c.Close()
	for i := range 1000 {
		c.Put(fmt.Sprint(i), "v")
	}
	assert.Equal(t, 1000, c.Len())
	assert.Equal(t, 0, c.Sweep())
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](5*time.Minute, 1000, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for id := range 100 {
		wg.Go(func() {
			for j := range 100 {
				key := fmt.Sprintf("key-%d-%d", id%26, j%10)
				c.Touch(key, j)
				c.Get(key)
			}
		})
	}
	wg.Wait()

	c.Put("final", 1)
	_, ok := c.Get("final")
	assert.True(t, ok)
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New[int](time.Minute, 10, nil)
	c.Close()
	c.Close()
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(100*time.Millisecond))
	assert.Equal(t, 30*time.Second, sweepInterval(time.Minute))
	assert.Equal(t, time.Minute, sweepInterval(24*time.Hour))
	assert.Equal(t, "overflow", Overflow.String())
	assert.Equal(t, "expired", Expired.String())
}
