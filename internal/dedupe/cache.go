// ABOUTME: Thread-safe TTL cache of client-supplied frame ids
// ABOUTME: Lets a session acknowledge a retransmitted frame without storing it twice

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// entry is one remembered frame.
type entry struct {
	key       string
	messageID string // empty while the first send is still in flight
	seenAt    time.Time
}

// Cache remembers which (conversation, sender, client id) frames were
// already stored, and the message id they produced. Size is bounded; the
// oldest entry is evicted first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine drops expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key builds the cache key for a frame.
func Key(conversationID, senderID, clientID string) string {
	return strings.Join([]string{conversationID, senderID, clientID}, "\x00")
}

// Claim reserves key for a new send. It returns duplicate=true when the key
// was claimed within the TTL; messageID is then the id stored by the first
// send, or empty if that send has not completed yet.
func (c *Cache) Claim(key string) (messageID string, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return e.messageID, true
		}
		c.removeLocked(elem)
	}

	if len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return "", false
}

// Complete records the message id produced for a claimed key.
func (c *Cache) Complete(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*entry).messageID = messageID
	}
}

// Release forgets a claim whose send failed so the client can retry.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry).key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops expired entries. Entries are ordered by seenAt, so it stops
// at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Sub(elem.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(elem)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
