package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxSize int, ttl time.Duration) (*ResponseCache[string], *fakeClock) {
	clock := &fakeClock{now: testTime()}
	cache := NewResponseCache[string](maxSize, ttl)
	cache.now = clock.Now
	return cache, clock
}

func TestResponseCache_GetSet(t *testing.T) {
	cache, _ := newTestCache(4, time.Minute)

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Set("k", "v")
	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	cache.Set("k", "v2")
	got, _ = cache.Get("k")
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, cache.Len())

	assert.Equal(t, CacheStats{Entries: 1, Hits: 2, Misses: 1}, cache.Stats())
}

func TestResponseCache_ExpiresLazily(t *testing.T) {
	cache, clock := newTestCache(4, time.Minute)
	cache.Set("k", "v")

	clock.Advance(time.Minute - time.Nanosecond)
	_, ok := cache.Get("k")
	assert.True(t, ok, "entry is live until its expiry instant")

	clock.Advance(time.Nanosecond)
	assert.Equal(t, 1, cache.Len(), "nothing sweeps in the background")

	_, ok = cache.Get("k")
	assert.False(t, ok, "an entry is expired at exactly its expiry instant")
	assert.Equal(t, 0, cache.Len(), "reading an expired entry removes it")
}

func TestResponseCache_SetWithTTL(t *testing.T) {
	cache, clock := newTestCache(4, time.Hour)
	cache.SetWithTTL("short", "v", time.Second)
	cache.Set("long", "v")

	clock.Advance(2 * time.Second)

	_, ok := cache.Get("short")
	assert.False(t, ok)
	_, ok = cache.Get("long")
	assert.True(t, ok)
}

func TestResponseCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	cache, clock := newTestCache(2, time.Hour)

	cache.Set("a", "1")
	clock.Advance(time.Second)
	cache.Set("b", "2")
	clock.Advance(time.Second)

	// Reading a makes b the least recently accessed entry.
	_, ok := cache.Get("a")
	require.True(t, ok)
	clock.Advance(time.Second)

	cache.Set("c", "3")

	_, ok = cache.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestResponseCache_PurgesExpiredBeforeEvicting(t *testing.T) {
	cache, clock := newTestCache(2, time.Hour)

	cache.SetWithTTL("stale", "1", time.Second)
	clock.Advance(time.Millisecond)
	cache.Set("fresh", "2")
	clock.Advance(2 * time.Second)

	cache.Set("new", "3")

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("fresh")
	assert.True(t, ok, "a live entry must survive while an expired one can go")
	_, ok = cache.Get("new")
	assert.True(t, ok)
}

func TestResponseCache_OverwriteDoesNotEvict(t *testing.T) {
	cache, _ := newTestCache(2, time.Hour)
	cache.Set("a", "1")
	cache.Set("b", "2")
	cache.Set("a", "3")

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(0), cache.Stats().Evictions)
}

func TestResponseCache_DeleteAndClear(t *testing.T) {
	cache, _ := newTestCache(4, time.Hour)
	cache.Set("a", "1")
	cache.Set("b", "2")
	cache.Get("a")

	cache.Delete("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)

	cache.Clear()
	assert.Equal(t, CacheStats{}, cache.Stats())
}

func TestResponseCache_MinimumSize(t *testing.T) {
	cache := NewResponseCache[int](0, time.Hour)
	cache.Set("a", 1)
	cache.Set("b", 2)
	assert.Equal(t, 1, cache.Len())
}

func TestRequestKey(t *testing.T) {
	messages := []OpenRouterMessage{{Role: "user", Content: "What is Go?"}}

	key := RequestKey(BreakerKey("model/a"), messages)
	assert.Len(t, key, 64)
	assert.Equal(t, key, RequestKey(BreakerKey("model/a"), []OpenRouterMessage{{Role: "user", Content: "What is Go?"}}))
	assert.NotEqual(t, key, RequestKey(BreakerKey("model/b"), messages), "endpoint is part of the key")
	assert.NotEqual(t, key, RequestKey(BreakerKey("model/a"), []OpenRouterMessage{{Role: "user", Content: "What is Rust?"}}))
}

func TestTitleKey(t *testing.T) {
	assert.Equal(t, "short question", TitleKey("short question"))

	long := strings.Repeat("q", 500)
	assert.Len(t, TitleKey(long), maxTitleKeyLength)
	assert.Equal(t, TitleKey(long), TitleKey(long+" with a different tail"))
}

func TestNewCachesFromConfig(t *testing.T) {
	cfg := DefaultConfig().Cache
	cfg.AnswerSize = 1
	answers := NewAnswerCache(cfg)
	answers.Set("a", ModelResponse{Content: "1"})
	answers.Set("b", ModelResponse{Content: "2"})
	assert.Equal(t, 1, answers.Len())

	titles := NewTitleCache(cfg)
	titles.Set("q", "t")
	got, ok := titles.Get("q")
	assert.True(t, ok)
	assert.Equal(t, "t", got)
}
