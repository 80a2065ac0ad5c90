// dlist/cache.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package dlist

import (
	"log/slog"
	"sync/atomic"

	"github.com/mmp/gfxthread/handle"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	List  handle.ID
	Gen   uint64
	Block bool
}

// ResolveCache memoizes the resolution of display lists whose patches
// all refer to named properties: their resolution only depends on the
// property sheet's generation.
type ResolveCache struct {
	lru          *lru.Cache[cacheKey, []byte]
	hits, misses atomic.Int64
}

func NewResolveCache(size int) (*ResolveCache, error) {
	c, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &ResolveCache{lru: c}, nil
}

func (c *ResolveCache) get(key cacheKey, resolve func() []byte) []byte {
	if b, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return b
	}
	c.misses.Add(1)
	b := resolve()
	c.lru.Add(key, b)
	return b
}

func (c *ResolveCache) Hits() int64   { return c.hits.Load() }
func (c *ResolveCache) Misses() int64 { return c.misses.Load() }

func (c *ResolveCache) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("entries", c.lru.Len()),
		slog.Int64("hits", c.hits.Load()),
		slog.Int64("misses", c.misses.Load()))
}
