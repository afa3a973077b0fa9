package dashboard

import (
	"path/filepath"
	"sync"

	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
	"github.com/fyrsmithlabs/pharmadir/internal/nppes"
)

// Loader reads a snapshot file.
type Loader func(path string) ([]nppes.DirectoryRow, error)

// Cache keeps loaded snapshots keyed by file path for the life of the
// process. Entries are dropped by Evict, typically from a Watcher.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]nppes.DirectoryRow
	metrics *metrics.Metrics
}

// NewCache returns an empty cache. m may be nil.
func NewCache(m *metrics.Metrics) *Cache {
	return &Cache{
		entries: make(map[string][]nppes.DirectoryRow),
		metrics: m,
	}
}

// Get returns the rows cached for path, calling load on a miss. Load errors
// are not cached.
func (c *Cache) Get(path string, load Loader) ([]nppes.DirectoryRow, error) {
	key := filepath.Clean(path)

	c.mu.RLock()
	rows, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		return rows, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
	rows, err := load(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent miss may have stored first; keep that copy.
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	c.entries[key] = rows
	return rows, nil
}

// Evict drops path and reports whether it was cached.
func (c *Cache) Evict(path string) bool {
	key := filepath.Clean(path)

	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok && c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
	}
	return ok
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
