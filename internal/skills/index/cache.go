package index

import (
	"context"
	"sync"
)

// MemoryCache is an in-process vector cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Entry)}
}

func (c *MemoryCache) Get(ctx context.Context, name string) (*Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	return entry, ok, nil
}

func (c *MemoryCache) Put(ctx context.Context, name string, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = entry
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
	return nil
}

func (c *MemoryCache) Keep(ctx context.Context, names []string) error {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.entries {
		if !keep[name] {
			delete(c.entries, name)
		}
	}
	return nil
}
