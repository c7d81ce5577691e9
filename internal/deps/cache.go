package deps

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// InstallCache remembers which specs were already installed into which
// targets, so repeated syncs across executors sharing an environment skip
// redundant installer runs. Process-wide; share one instance.
type InstallCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewInstallCache creates an empty cache.
func NewInstallCache() *InstallCache {
	return &InstallCache{seen: make(map[string]bool)}
}

func key(target, spec string) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(spec))
	return hex.EncodeToString(h.Sum(nil))
}

// Has reports whether spec is recorded as installed into target.
func (c *InstallCache) Has(target, spec string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[key(target, spec)]
}

// Mark records a successful install.
func (c *InstallCache) Mark(target, spec string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key(target, spec)] = true
}

// Clear empties the cache, typically after an environment is discarded.
func (c *InstallCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]bool)
}
