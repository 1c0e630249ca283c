// Package caching wraps an in-memory TTL cache used for short-lived remote
// panel snapshots, so one monitor cycle never fetches the same panel twice.
package caching

import (
	"time"

	"github.com/patrickmn/go-cache"
)

type Cache struct {
	memoryCache *cache.Cache
	ttl         time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		memoryCache: cache.New(ttl, 2*ttl),
		ttl:         ttl,
	}
}

func (s *Cache) Get(key string) (any, bool) {
	return s.memoryCache.Get(key)
}

func (s *Cache) Set(key string, value any) {
	s.memoryCache.Set(key, value, s.ttl)
}

func (s *Cache) Delete(key string) {
	s.memoryCache.Delete(key)
}

func (s *Cache) Flush() {
	s.memoryCache.Flush()
}
