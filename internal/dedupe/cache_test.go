// ABOUTME: Tests for the idempotency key cache.
// ABOUTME: Validates TTL expiration, size limits, eviction order, sweeping and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.mu.Lock()
	c.now = clock.Now
	c.mu.Unlock()
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_Lookup_NotSeen(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	_, ok := c.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Remember("k1", "msg-1")
	got, ok := c.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, "msg-1", got)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("k1", "msg-1")
	clock.Advance(59 * time.Second)
	_, ok := c.Lookup("k1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Lookup("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on lookup")
}

func TestCache_Remember_RefreshesTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("k1", "msg-1")
	clock.Advance(40 * time.Second)
	c.Remember("k1", "msg-1")
	clock.Advance(40 * time.Second)

	_, ok := c.Lookup("k1")
	assert.True(t, ok)
}

func TestCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.Remember("k1", "m1")
	c.Remember("k2", "m2")
	c.Remember("k3", "m3")
	c.Remember("k1", "m1") // k1 becomes newest
	c.Remember("k4", "m4")

	assert.Equal(t, 3, c.Len())
	_, ok := c.Lookup("k2")
	assert.False(t, ok, "k2 was the oldest entry")
	for _, k := range []string{"k1", "k3", "k4"} {
		_, ok := c.Lookup(k)
		assert.True(t, ok, k)
	}
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)

	c.Remember("k1", "m1")
	c.Forget("k1")
	c.Forget("missing")

	_, ok := c.Lookup("k1")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("old-1", "m1")
	c.Remember("old-2", "m2")
	clock.Advance(30 * time.Second)
	c.Remember("fresh", "m3")
	clock.Advance(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("fresh")
	assert.True(t, ok)
}

func TestKey_ScopesBySender(t *testing.T) {
	assert.NotEqual(t, Key("alice", "k"), Key("bob", "k"))
	assert.Equal(t, Key("alice", "k"), Key("alice", "k"))
}

func TestCache_Close_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%20)
				c.Remember(key, "m")
				c.Lookup(key)
				if i%7 == 0 {
					c.Forget(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
