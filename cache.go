package main

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// maxTitleKeyLength bounds the question prefix used as a title cache key.
const maxTitleKeyLength = 200

// cacheEntry is one cached value. Only eviction removes it after creation.
type cacheEntry[V any] struct {
	value        V
	expiresAt    time.Time
	lastAccessed time.Time
}

// CacheStats reports cache performance counters.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ResponseCache is a bounded, TTL'd, least-recently-accessed evicting store.
// Expired entries are dropped lazily on read and in bulk when a full cache
// needs room; there is no background sweeper.
type ResponseCache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry[V]
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// NewResponseCache creates a cache holding at most maxSize entries, each
// living defaultTTL unless SetWithTTL says otherwise.
func NewResponseCache[V any](maxSize int, defaultTTL time.Duration) *ResponseCache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &ResponseCache[V]{
		entries:    make(map[string]*cacheEntry[V]),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// NewAnswerCache creates the pool for raw model answers.
func NewAnswerCache(cfg CacheConfig) *ResponseCache[ModelResponse] {
	return NewResponseCache[ModelResponse](cfg.AnswerSize, cfg.AnswerTTL)
}

// NewTitleCache creates the pool for generated conversation titles.
func NewTitleCache(cfg CacheConfig) *ResponseCache[string] {
	return NewResponseCache[string](cfg.TitleSize, cfg.TitleTTL)
}

// Get returns the value for key if present and not expired.
// Reading an expired entry removes it.
func (c *ResponseCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	now := c.now()
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}

	entry.lastAccessed = now
	c.hits++
	return entry.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *ResponseCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key, making room first when the cache is full:
// all expired entries go, then the least recently accessed one if needed.
func (c *ResponseCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.expiresAt = now.Add(ttl)
		entry.lastAccessed = now
		return
	}

	if len(c.entries) >= c.maxSize {
		c.purgeExpiredLocked(now)
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = &cacheEntry[V]{
		value:        value,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
}

func (c *ResponseCache[V]) purgeExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			c.evictions++
		}
	}
}

func (c *ResponseCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	found := false
	for key, entry := range c.entries {
		if !found || entry.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccessed
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Delete removes key if present.
func (c *ResponseCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Clear removes every entry and resets the counters.
func (c *ResponseCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry[V])
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns the current counters.
func (c *ResponseCache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// RequestKey derives a deterministic key from an endpoint identity and its
// serialized payload, so identical logical requests collide.
func RequestKey(endpoint string, payload any) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})

	data, err := json.Marshal(payload)
	if err != nil {
		// Unserializable payloads never share a key with anything else.
		data = []byte(time.Now().String())
	}
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// TitleKey returns the title cache key for a question: its verbatim text,
// truncated.
func TitleKey(question string) string {
	if len(question) > maxTitleKeyLength {
		return question[:maxTitleKeyLength]
	}
	return question
}
