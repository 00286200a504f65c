package rescache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, policy Policy) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, policy, zap.NewNop())
	require.NoError(t, err)
	return c
}

func defaultPolicy() Policy {
	return Policy{
		AllContent:    false,
		PriorityCDNs:  map[string]struct{}{},
		MaxEntryBytes: 1024,
		MaxTotalBytes: 4096,
		TTL:           time.Hour,
	}
}

func TestStoreThenLookup_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, defaultPolicy())
	url := "https://cdn.example.com/app.js"

	ok := c.Store(url, []byte("console.log(1)"), "application/javascript", 200)
	require.True(t, ok)

	body, meta, miss := c.Lookup(url)
	require.False(t, miss)
	require.Equal(t, []byte("console.log(1)"), body)
	require.Equal(t, 200, meta.Status)
}

func TestLookup_Miss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, defaultPolicy())
	_, _, miss := c.Lookup("https://cdn.example.com/missing.js")
	require.True(t, miss)
}

func TestStore_RejectsOversizedEntry(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MaxEntryBytes = 4
	c := newTestCache(t, policy)

	ok := c.Store("https://cdn.example.com/app.css", []byte("way too big"), "text/css", 200)
	require.False(t, ok)
}

func TestStore_SelectivePolicy_RejectsNonStaticNonCDN(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, defaultPolicy())
	ok := c.Store("https://example.com/api/data", []byte("{}"), "application/json", 200)
	require.False(t, ok)
}

func TestStore_AllContentPolicy_ExcludesSensitivePaths(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.AllContent = true
	c := newTestCache(t, policy)

	ok := c.Store("https://example.com/api/data", []byte("{}"), "application/json", 200)
	require.False(t, ok)

	ok = c.Store("https://example.com/products/42", []byte("<html></html>"), "text/html", 200)
	require.True(t, ok)
}

func TestStore_AllContentPolicy_ExcludesSessionQueryParams(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.AllContent = true
	c := newTestCache(t, policy)

	ok := c.Store("https://example.com/page?token=abc", []byte("x"), "text/html", 200)
	require.False(t, ok)
}

func TestEvictToFit_RemovesLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MaxTotalBytes = 10
	policy.AllContent = true
	c := newTestCache(t, policy)

	c.Store("https://example.com/a.html", []byte("12345"), "text/html", 200)
	time.Sleep(2 * time.Millisecond)
	c.Store("https://example.com/b.html", []byte("12345"), "text/html", 200)
	time.Sleep(2 * time.Millisecond)
	// Access a.html to make it more recently used than b.html before c pushes total over budget.
	c.Lookup("https://example.com/a.html")
	c.Store("https://example.com/c.html", []byte("12345"), "text/html", 200)

	stats := c.Stats()
	require.LessOrEqual(t, stats.TotalBytes, policy.MaxTotalBytes)

	_, _, missB := c.Lookup("https://example.com/b.html")
	require.True(t, missB, "least recently accessed entry should have been evicted")
}

func TestPurgeExpired_RemovesOldEntries(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.AllContent = true
	policy.TTL = time.Millisecond
	c := newTestCache(t, policy)

	c.Store("https://example.com/a.html", []byte("x"), "text/html", 200)
	time.Sleep(5 * time.Millisecond)

	removed := c.PurgeExpired()
	require.Equal(t, 1, removed)

	_, _, miss := c.Lookup("https://example.com/a.html")
	require.True(t, miss)
}

func TestClear_RemovesEverything(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.AllContent = true
	c := newTestCache(t, policy)

	c.Store("https://example.com/a.html", []byte("x"), "text/html", 200)
	c.Clear()

	stats := c.Stats()
	require.Equal(t, 0, stats.Entries)
	require.Equal(t, int64(0), stats.TotalBytes)
}

func TestStats_TracksHitRate(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.AllContent = true
	c := newTestCache(t, policy)

	c.Store("https://example.com/a.html", []byte("x"), "text/html", 200)
	c.Lookup("https://example.com/a.html")
	c.Lookup("https://example.com/missing.html")

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 0.0001)
}
