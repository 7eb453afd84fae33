package rules

import (
	"time"

	"github.com/google/cel-go/cel"
)

// ProgramCache holds compiled CEL programs keyed by expression text.
// Since the key is the expression itself, an edited condition always
// compiles fresh and never observes a stale program.
type ProgramCache interface {
	// Get returns the cached program, or false on a miss or expiry
	Get(expression string) (cel.Program, bool)

	// Set stores a compiled program
	Set(expression string, prog cel.Program)

	// Invalidate drops every entry
	Invalidate()

	// Len returns the number of live entries
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached programs
	// Set to 0 for no expiration
	TTL time.Duration

	// MaxEntries bounds the cache size. When full, the oldest entry is
	// evicted. Zero disables caching entirely.
	MaxEntries int
}

// DefaultCacheConfig returns the default configuration, which disables
// program caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        0,
		MaxEntries: 0,
	}
}

// Enabled reports whether the configuration caches anything.
func (c CacheConfig) Enabled() bool {
	return c.MaxEntries > 0
}
