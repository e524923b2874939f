// Package extensions tracks adapter extension paths known to the
// current run. The cache is an explicit handle owned by the caller,
// there is no process-wide instance.
package extensions

import (
	"strings"
	"sync"
)

type Cache struct {
	mu    sync.Mutex
	paths []string
	seen  map[string]struct{}
}

func NewCache(paths ...string) *Cache {
	c := &Cache{seen: make(map[string]struct{})}
	c.Load(paths...)
	return c
}

// Load appends paths not seen before, preserving first-seen order.
// Deduplication is case-insensitive, adapter files may be referenced
// with mixed casing on case-insensitive filesystems.
func (c *Cache) Load(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := c.seen[key]; ok {
			continue
		}
		c.seen[key] = struct{}{}
		c.paths = append(c.paths, p)
	}
}

// Paths returns a copy of the cached paths in first-seen order.
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

func (c *Cache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths) == 0
}

// Reset forgets all cached paths.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = nil
	c.seen = make(map[string]struct{})
}

// Distinct unions path groups in order with case-insensitive
// deduplication, without touching any cache.
func Distinct(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range groups {
		for _, p := range g {
			if p == "" {
				continue
			}
			key := strings.ToLower(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
