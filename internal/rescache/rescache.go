// Package rescache implements the content-addressed, file-backed cache
// of fetched sub-resources. Entries are keyed by SHA-256 of the
// canonical request URL; bodies live on disk, metadata in memory.
package rescache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".mjs": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
	".otf": {}, ".eot": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".webp": {}, ".svg": {}, ".ico": {}, ".mp4": {}, ".webm": {}, ".ogg": {},
	".mp3": {}, ".wav": {},
}

var excludedPathSubstrings = []string{
	"/api/", "/graphql", "/webhook", "/callback", "/auth/", "/login",
	"/logout", "/session", "/ws/", "/websocket", "/sse/", "/stream",
	"/analytics", "/track", "/pixel", "/beacon", "/admin/", "/manage/",
	"/dashboard",
}

var excludedQueryParams = []string{
	"timestamp", "time", "rand", "random", "nonce", "token", "session",
}

// Entry is the in-memory metadata for one cached sub-resource. The body
// itself lives at the file path on disk.
type Entry struct {
	Fingerprint string
	Path        string
	Size        int64
	ContentType string
	Status      int
	CreatedAt   time.Time
	LastAccess  time.Time
}

// Policy controls which sub-resources are eligible for caching.
type Policy struct {
	AllContent    bool
	PriorityCDNs  map[string]struct{}
	MaxEntryBytes int64
	MaxTotalBytes int64
	TTL           time.Duration
}

// Cache is the resource cache. Its map is guarded by one RWMutex: Lookup
// reads the map under the read lock and takes the write lock to update
// counters and last-access times; mutating operations
// (store/evict/purge/clear) are serialized by the same mutex's write side.
type Cache struct {
	dir    string
	policy Policy
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	total   int64

	hits   uint64
	misses uint64
}

// New constructs a Cache rooted at dir, creating it if necessary.
func New(dir string, policy Policy, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rescache: create dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		policy:  policy,
		logger:  logger,
		entries: make(map[string]*Entry),
	}, nil
}

// Dir reports the cache's backing directory, for admin/info surfaces.
func (c *Cache) Dir() string { return c.dir }

// PolicyView reports the cache's configured policy, for admin/info
// surfaces.
func (c *Cache) PolicyView() Policy { return c.policy }

// Fingerprint computes the cache key for a canonical URL.
func Fingerprint(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// Cacheable reports whether rawURL is eligible for caching under the
// configured policy (selective or all-content).
func (c *Cache) Cacheable(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(parsed.Path)
	host := strings.ToLower(parsed.Hostname())
	query := strings.ToLower(parsed.RawQuery)

	if c.policy.AllContent {
		for _, sub := range excludedPathSubstrings {
			if strings.Contains(path, sub) {
				return false
			}
		}
		for _, param := range excludedQueryParams {
			if strings.Contains(query, param) {
				return false
			}
		}
		return true
	}

	ext := filepath.Ext(path)
	if _, ok := staticExtensions[ext]; ok {
		return true
	}
	if _, ok := c.policy.PriorityCDNs[host]; ok {
		return true
	}
	return false
}

// Lookup returns the cached body and metadata for rawURL, or miss=true.
// A hit updates the entry's last-access time.
func (c *Cache) Lookup(rawURL string) (body []byte, meta Entry, miss bool) {
	fp := Fingerprint(rawURL)

	c.mu.RLock()
	entry, ok := c.entries[fp]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, Entry{}, true
	}

	if time.Since(entry.CreatedAt) > c.policy.TTL {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, Entry{}, true
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil {
		c.mu.Lock()
		delete(c.entries, fp)
		c.total -= entry.Size
		c.misses++
		c.mu.Unlock()
		return nil, Entry{}, true
	}

	c.mu.Lock()
	entry.LastAccess = time.Now()
	c.hits++
	c.mu.Unlock()

	return data, *entry, false
}

// Store writes body to disk under rawURL's fingerprint and records its
// metadata. It rejects bodies over the per-entry limit or URLs excluded
// by the cacheability policy, then evicts to stay within the total
// budget.
func (c *Cache) Store(rawURL string, body []byte, contentType string, status int) (ok bool) {
	if int64(len(body)) > c.policy.MaxEntryBytes {
		return false
	}
	if !c.Cacheable(rawURL) {
		return false
	}

	fp := Fingerprint(rawURL)
	path := filepath.Join(c.dir, fp)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		c.logger.Warn("rescache: write failed", zap.Error(err))
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("rescache: rename failed", zap.Error(err))
		os.Remove(tmp)
		return false
	}

	now := time.Now()
	entry := &Entry{
		Fingerprint: fp,
		Path:        path,
		Size:        int64(len(body)),
		ContentType: contentType,
		Status:      status,
		CreatedAt:   now,
		LastAccess:  now,
	}

	c.mu.Lock()
	if old, exists := c.entries[fp]; exists {
		c.total -= old.Size
	}
	c.entries[fp] = entry
	c.total += entry.Size
	c.mu.Unlock()

	c.evictToFit()
	return true
}

// evictToFit removes least-recently-accessed entries until total size
// is within the configured budget.
func (c *Cache) evictToFit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total <= c.policy.MaxTotalBytes {
		return
	}

	ordered := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastAccess.Before(ordered[j].LastAccess)
	})

	for _, e := range ordered {
		if c.total <= c.policy.MaxTotalBytes {
			break
		}
		delete(c.entries, e.Fingerprint)
		c.total -= e.Size
		os.Remove(e.Path)
	}
}

// PurgeExpired removes entries older than the configured TTL.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for fp, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.policy.TTL {
			delete(c.entries, fp)
			c.total -= e.Size
			os.Remove(e.Path)
			removed++
		}
	}
	return removed
}

// Clear deletes every cached entry and its backing file.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		os.Remove(e.Path)
	}
	c.entries = make(map[string]*Entry)
	c.total = 0
}

// Stats is the snapshot returned by the cache admin endpoints.
type Stats struct {
	Entries    int     `json:"entries"`
	TotalBytes int64   `json:"total_bytes"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:    len(c.entries),
		TotalBytes: c.total,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
	}
}

// RunCleanup runs purge+evict once; invoked by a background ticker at
// cleanup_interval, and reusable from the admin cleanup endpoint.
func (c *Cache) RunCleanup() {
	purged := c.PurgeExpired()
	c.evictToFit()
	if purged > 0 {
		c.logger.Debug("rescache: purged expired entries", zap.Int("count", purged))
	}
}

// StartBackgroundCleanup launches a goroutine running RunCleanup every
// interval until stop is closed.
func (c *Cache) StartBackgroundCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.RunCleanup()
			}
		}
	}()
}
