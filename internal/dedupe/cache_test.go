// ABOUTME: Tests for the frame dedupe cache
// ABOUTME: Covers claims, completion, release, TTL expiry, eviction and atomicity

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestKey_Distinct(t *testing.T) {
	assert.NotEqual(t, Key("c1", "alice", "x"), Key("c1", "bob", "x"))
	assert.NotEqual(t, Key("c1", "alice", "x"), Key("c2", "alice", "x"))
	assert.NotEqual(t, Key("ab", "c", "d"), Key("a", "bc", "d"))
}

func TestCache_ClaimThenDuplicate(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	key := Key("c1", "alice", "frame-1")

	id, dup := c.Claim(key)
	assert.False(t, dup)
	assert.Empty(t, id)

	id, dup = c.Claim(key)
	assert.True(t, dup)
	assert.Empty(t, id, "first send still in flight")

	c.Complete(key, "msg-1")
	id, dup = c.Claim(key)
	assert.True(t, dup)
	assert.Equal(t, "msg-1", id)
}

func TestCache_Expired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)
	key := Key("c1", "alice", "frame-1")

	c.Claim(key)
	c.Complete(key, "msg-1")
	clock.Advance(2 * time.Minute)

	id, dup := c.Claim(key)
	assert.False(t, dup)
	assert.Empty(t, id)
}

func TestCache_Release(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	key := Key("c1", "alice", "frame-1")

	c.Claim(key)
	c.Release(key)
	_, dup := c.Claim(key)
	assert.False(t, dup, "released key can be claimed again")

	c.Release("never-claimed")
	c.Complete("never-claimed", "msg")
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	for i := 0; i < 4; i++ {
		c.Claim(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, c.Len())

	_, dup := c.Claim("k0")
	assert.False(t, dup, "oldest entry was evicted")
	_, dup = c.Claim("k3")
	assert.True(t, dup)
}

func TestCache_ExpireSweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Claim("old")
	clock.Advance(45 * time.Second)
	c.Claim("new")
	clock.Advance(30 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	_, dup := c.Claim("new")
	assert.True(t, dup)
}

func TestCache_ClaimIsAtomic(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for iter := 0; iter < 50; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, dup := c.Claim("same"); !dup {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 0)
	c.Close()
	c.Close()
}
