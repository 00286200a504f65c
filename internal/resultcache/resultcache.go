// Package resultcache implements the result cache: a
// fingerprint→artifact mapping with TTL and LRU eviction, used to serve
// idempotent replies to identical capture requests without repeating
// the capture.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mrfansi/web2img/internal/metrics"
)

// Entry is one cached capture result. URL is retained alongside the
// opaque fingerprint key so InvalidateByURL can match entries without
// needing to invert the one-way fingerprint hash.
type Entry struct {
	Artifact   string
	URL        string
	InsertedAt time.Time
	LastAccess time.Time
}

// Cache is the finished-capture result cache.
type Cache struct {
	maxItems int
	ttl      time.Duration
	metrics  *metrics.Registry

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // LRU order, most-recently-used at the end

	hits   uint64
	misses uint64
}

// New constructs a Cache.
func New(maxItems int, ttl time.Duration, registry *metrics.Registry) *Cache {
	return &Cache{
		maxItems: maxItems,
		ttl:      ttl,
		metrics:  registry,
		entries:  make(map[string]*Entry),
	}
}

// Fingerprint computes the SHA-256 key for (url, width, height, format).
func Fingerprint(url string, width, height int, format string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%s", url, width, height, format)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached artifact for key, if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		if c.metrics != nil {
			c.metrics.RecordResultCacheMiss()
		}
		return "", false
	}
	if c.ttl > 0 && time.Since(entry.InsertedAt) > c.ttl {
		c.removeLocked(key)
		c.misses++
		if c.metrics != nil {
			c.metrics.RecordResultCacheMiss()
		}
		return "", false
	}

	entry.LastAccess = time.Now()
	c.touchLocked(key)
	c.hits++
	if c.metrics != nil {
		c.metrics.RecordResultCacheHit()
	}
	return entry.Artifact, true
}

// Put inserts or updates the artifact for key, recording the source url
// so a later InvalidateByURL can find it.
func (c *Cache) Put(key, url, artifact string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &Entry{Artifact: artifact, URL: url, InsertedAt: now, LastAccess: now}
	c.touchLocked(key)
	c.evictIfNeededLocked()
}

// InvalidateByURL removes every entry inserted for url, regardless of
// the width/height/format it was fingerprinted with. Since the
// fingerprint is a one-way hash, matching requires an O(n) scan over
// the current entries.
func (c *Cache) InvalidateByURL(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.URL == url {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.order = nil
}

func (c *Cache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) evictIfNeededLocked() {
	if c.maxItems <= 0 {
		return
	}
	for len(c.entries) > c.maxItems && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Stats is the cache's admin/metrics snapshot.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses, HitRate: rate}
}
