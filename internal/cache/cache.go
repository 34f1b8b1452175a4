package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// CachedResponse represents a cached model reply
type CachedResponse struct {
	Response  string
	Model     string
	Timestamp time.Time
}

// Cache keeps generated replies for a fixed time to live.
type Cache struct {
	ttl     time.Duration
	entries sync.Map
	now     func() time.Time
}

// New returns a cache whose entries expire after ttl. A non-positive ttl
// keeps entries forever.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Key generates a cache key from the given parts
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the live entry stored under key.
func (c *Cache) Get(key string) (CachedResponse, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return CachedResponse{}, false
	}
	entry := v.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(entry.Timestamp) > c.ttl {
		c.entries.CompareAndDelete(key, v)
		return CachedResponse{}, false
	}
	return entry, true
}

// Put stores a response under key.
func (c *Cache) Put(key, model, response string) {
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Model:     model,
		Timestamp: c.now(),
	})
}

// Len counts stored entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
