package rules

import (
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

type cachedProgram struct {
	prog     cel.Program
	cachedAt time.Time
}

// InMemoryProgramCache is a bounded in-memory implementation of ProgramCache
// Thread-safe for concurrent access
type InMemoryProgramCache struct {
	entries map[string]cachedProgram
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryProgramCache creates a new in-memory program cache
func NewInMemoryProgramCache(config CacheConfig) *InMemoryProgramCache {
	return &InMemoryProgramCache{
		entries: make(map[string]cachedProgram),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves a cached program
// Returns false if the entry is missing or expired
func (c *InMemoryProgramCache) Get(expression string) (cel.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[expression]
	if !ok || c.expired(entry) {
		return nil, false
	}
	return entry.prog, true
}

// Set stores a program, evicting the oldest entry when the cache is full
func (c *InMemoryProgramCache) Set(expression string, prog cel.Program) {
	if !c.config.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[expression]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evictLocked()
	}
	c.entries[expression] = cachedProgram{prog: prog, cachedAt: c.now()}
}

// Invalidate clears the cache
func (c *InMemoryProgramCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cachedProgram)
}

// Len returns the number of unexpired entries
func (c *InMemoryProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, entry := range c.entries {
		if !c.expired(entry) {
			n++
		}
	}
	return n
}

func (c *InMemoryProgramCache) expired(entry cachedProgram) bool {
	return c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL
}

// evictLocked drops expired entries, or the single oldest one if none
// have expired. Caller must hold the write lock.
func (c *InMemoryProgramCache) evictLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		dropped   bool
	)
	for key, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, key)
			dropped = true
			continue
		}
		if oldestKey == "" || entry.cachedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.cachedAt
		}
	}
	if !dropped && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
