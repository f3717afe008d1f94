package substrate

import (
	"sync"
	"time"
)

// ReadCache is an mtime-indexed cache of file contents, injected into
// the Reader rather than held as a package-level global (per spec.md
// §9's note against global singletons for the read cache). Cacheable
// only when enabled by configuration — callers that don't want caching
// simply don't construct one and pass nil to Reader.
type ReadCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime   time.Time
	content string
}

func NewReadCache() *ReadCache {
	return &ReadCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached content for path if present and its mtime
// still matches.
func (c *ReadCache) Get(path string, mtime time.Time) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok || !e.mtime.Equal(mtime) {
		return "", false
	}
	return e.content, true
}

// Put stores content for path keyed by mtime, overwriting any stale entry.
func (c *ReadCache) Put(path string, mtime time.Time, content string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{mtime: mtime, content: content}
}

// Invalidate drops any cached entry for path.
func (c *ReadCache) Invalidate(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}
