package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheEntries = 200
	defaultCacheTTL     = 60 * time.Second
)

// readCache is a bounded LRU with TTL expiry over structured keys of the
// form "<operation>:<arg1>:<arg2>". Mutators invalidate by key prefix using
// the declarative lists on their catalog entries.
type readCache struct {
	lru *expirable.LRU[string, any]
}

func newReadCache(maxEntries int, ttl time.Duration) *readCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &readCache{lru: expirable.NewLRU[string, any](maxEntries, nil, ttl)}
}

func (c *readCache) get(key string) (any, bool) {
	return c.lru.Get(key)
}

func (c *readCache) put(key string, v any) {
	c.lru.Add(key, v)
}

// invalidatePrefix removes every entry whose key starts with the prefix.
func (c *readCache) invalidatePrefix(prefix string) {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

func (c *readCache) len() int {
	return c.lru.Len()
}

// cacheKey builds the structured key for an operation and its argument
// tuple.
func cacheKey(op string, args []any) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, op)
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	return strings.Join(parts, ":")
}

// invalidationPrefixes expands a catalog entry's declarative prefix list,
// substituting {0} with the first argument of the mutating call.
func invalidationPrefixes(prefixes []string, args []any) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if strings.Contains(p, "{0}") {
			if len(args) == 0 {
				continue
			}
			p = strings.ReplaceAll(p, "{0}", fmt.Sprintf("%v", args[0]))
		}
		out = append(out, p)
	}
	return out
}
