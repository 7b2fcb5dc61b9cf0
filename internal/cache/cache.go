package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CachedResult represents a memoized tool output
type CachedResult struct {
	Output    string
	Timestamp time.Time
}

// GenerateKey derives a cache key from a tool name and its arguments.
// encoding/json sorts map keys, so equal arguments give equal keys.
func GenerateKey(tool string, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ResultCache holds tool outputs for a fixed time to live
type ResultCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // key -> CachedResult
}

// New creates a cache; a non-positive ttl disables it
func New(ttl time.Duration) *ResultCache {
	return &ResultCache{ttl: ttl, now: time.Now}
}

// NewWithClock is New with an injectable clock
func NewWithClock(ttl time.Duration, now func() time.Time) *ResultCache {
	return &ResultCache{ttl: ttl, now: now}
}

// Get returns a live entry
func (c *ResultCache) Get(key string) (string, bool) {
	if c == nil || c.ttl <= 0 {
		return "", false
	}
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResult)
	if c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Output, true
}

// Put stores output under key
func (c *ResultCache) Put(key, output string) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.entries.Store(key, CachedResult{Output: output, Timestamp: c.now()})
}

// Purge drops every entry
func (c *ResultCache) Purge() {
	if c == nil {
		return
	}
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}
