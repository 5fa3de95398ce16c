package tools

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheMaxEntries = 256
)

// webCache memoizes web_fetch/web_search responses so a burst of turns asking
// about the same URL or query within a short window doesn't re-hit the
// network (and, for search providers with a paid quota, doesn't re-spend it).
// Entries expire on their own; callers never need to invalidate explicitly.
type webCache struct {
	lru *expirable.LRU[string, string]
}

func newWebCache(maxEntries int, ttl time.Duration) *webCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &webCache{lru: expirable.NewLRU[string, string](maxEntries, nil, ttl)}
}

func (c *webCache) get(key string) (string, bool) {
	if c == nil || c.lru == nil {
		return "", false
	}
	return c.lru.Get(key)
}

func (c *webCache) set(key, value string) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(key, value)
}
