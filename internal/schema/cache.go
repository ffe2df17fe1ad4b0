package schema

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// Fetcher retrieves a tool descriptor from its downstream server.
type Fetcher func(ctx context.Context, name string) (*Descriptor, error)

// CacheConfig bounds the descriptor cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached descriptors (LRU eviction).
	MaxEntries int `yaml:"max_entries"`
	// TTL is how long a descriptor is served without refetching.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultCacheConfig returns the cache defaults: 1000 entries, 24h TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 1000, TTL: 24 * time.Hour}
}

func (c *CacheConfig) normalize() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
}

type cacheEntry struct {
	name string
	desc *Descriptor
}

// Cache is the TTL+LRU tool descriptor cache. Concurrent misses for the same
// tool collapse into one downstream fetch; a failed refresh falls back to the
// stale entry when one exists. The cache persists to disk so restarts start
// warm.
type Cache struct {
	cfg    CacheConfig
	fetch  Fetcher
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used

	group singleflight.Group

	diskMu   sync.Mutex
	diskPath string

	// now is replaceable in tests.
	now func() time.Time

	// onLookup, when set, observes each lookup outcome: "hit", "miss" or
	// "stale".
	onLookup func(result string)
}

// NewCache creates a cache backed by fetch, persisting to
// <stateDir>/schema-cache.json. An empty stateDir disables persistence.
func NewCache(cfg CacheConfig, fetch Fetcher, stateDir string, logger *slog.Logger) *Cache {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		fetch:   fetch,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
	if stateDir != "" {
		c.diskPath = filepath.Join(stateDir, "schema-cache.json")
	}
	return c
}

// SetLookupObserver installs a callback observing lookup outcomes.
func (c *Cache) SetLookupObserver(fn func(result string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLookup = fn
}

// Get returns the descriptor for the fully-qualified tool name, fetching it
// downstream on miss or expiry. Returned descriptors are clones.
func (c *Cache) Get(ctx context.Context, name string) (*Descriptor, error) {
	if d := c.lookupFresh(name); d != nil {
		c.observe("hit")
		return d, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		// Another flight may have refreshed the entry while we waited for
		// the singleflight slot.
		if d := c.lookupFresh(name); d != nil {
			return d, nil
		}

		d, err := c.fetch(ctx, name)
		if err != nil {
			if stale := c.lookupAny(name); stale != nil {
				c.logger.Warn("descriptor refresh failed, serving stale entry",
					"tool", name,
					"fetchedAt", stale.FetchedAt,
					"error", err)
				c.observe("stale")
				return stale, nil
			}
			c.observe("miss")
			return nil, toolerr.Wrap(toolerr.KindSchemaUnavailable,
				fmt.Sprintf("descriptor for tool %q could not be fetched", name), err)
		}
		if d.FetchedAt.IsZero() {
			d.FetchedAt = c.now()
		}
		c.store(d)
		c.observe("miss")
		c.saveBestEffort()
		return d.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor).Clone(), nil
}

// List returns clones of every cached descriptor, including expired ones.
func (c *Cache) List() []*Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Descriptor, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*cacheEntry).desc.Clone())
	}
	return out
}

// Invalidate drops the named entry.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		c.lru.Remove(elem)
		delete(c.entries, name)
	}
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// lookupFresh returns a clone of the entry when present and within TTL.
func (c *Cache) lookupFresh(name string) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[name]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.desc.FetchedAt) > c.cfg.TTL {
		return nil
	}
	c.lru.MoveToFront(elem)
	return entry.desc.Clone()
}

// lookupAny returns a clone of the entry regardless of age.
func (c *Cache) lookupAny(name string) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		return elem.Value.(*cacheEntry).desc.Clone()
	}
	return nil
}

// store inserts or replaces the entry, evicting from the LRU tail at
// capacity.
func (c *Cache) store(d *Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[d.Name]; ok {
		elem.Value.(*cacheEntry).desc = d.Clone()
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.cfg.MaxEntries {
		tail := c.lru.Back()
		if tail == nil {
			break
		}
		evicted := tail.Value.(*cacheEntry)
		c.lru.Remove(tail)
		delete(c.entries, evicted.name)
	}
	c.entries[d.Name] = c.lru.PushFront(&cacheEntry{name: d.Name, desc: d.Clone()})
}

func (c *Cache) observe(result string) {
	c.mu.Lock()
	fn := c.onLookup
	c.mu.Unlock()
	if fn != nil {
		fn(result)
	}
}

// SaveToDisk writes the cache contents to the persistence file. The write is
// atomic (temp file plus rename) and serialized by the disk-write mutex.
func (c *Cache) SaveToDisk() error {
	if c.diskPath == "" {
		return nil
	}

	c.mu.Lock()
	snapshot := make(map[string]*Descriptor, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cacheEntry)
		snapshot[entry.name] = entry.desc.Clone()
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema cache: %w", err)
	}

	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	tmp := c.diskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write schema cache: %w", err)
	}
	if err := os.Rename(tmp, c.diskPath); err != nil {
		return fmt.Errorf("rename schema cache: %w", err)
	}
	return nil
}

// LoadFromDisk restores entries from the persistence file. A missing or
// unreadable file leaves the cache empty; persisted entries keep their
// original FetchedAt so expired ones only serve as stale fallbacks.
func (c *Cache) LoadFromDisk() {
	if c.diskPath == "" {
		return
	}
	data, err := os.ReadFile(c.diskPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("schema cache file unreadable, starting empty", "path", c.diskPath, "error", err)
		}
		return
	}
	var snapshot map[string]*Descriptor
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.logger.Warn("schema cache file corrupt, starting empty", "path", c.diskPath, "error", err)
		return
	}
	for _, d := range snapshot {
		if d == nil || d.Name == "" {
			continue
		}
		c.store(d)
	}
	c.logger.Info("schema cache restored from disk", "entries", len(snapshot), "path", c.diskPath)
}

func (c *Cache) saveBestEffort() {
	if err := c.SaveToDisk(); err != nil {
		c.logger.Warn("schema cache persistence failed", "error", err)
	}
}
