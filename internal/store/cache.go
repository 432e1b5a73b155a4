package store

import (
	lru "github.com/hashicorp/golang-lru"
)

// countCacheSize bounds the per-source count cache. Engines rarely hold
// more than a few dozen sources; 256 keeps eviction out of the picture
// without making the cache unbounded.
const countCacheSize = 256

// countCache holds cached unfiltered record counts per source.
//
// The contract is explicit invalidate-on-write: every write path of the
// store (StoreRecords, ClearRecords, DeleteSource) removes the owning
// source's entry. Nothing else is allowed to assume coherence.
type countCache struct {
	lru *lru.Cache
}

func newCountCache() *countCache {
	c, err := lru.New(countCacheSize)
	if err != nil {
		// lru.New only fails on size <= 0.
		panic("store: count cache: " + err.Error())
	}
	return &countCache{lru: c}
}

func (c *countCache) get(sourceID string) (int64, bool) {
	v, ok := c.lru.Get(sourceID)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

func (c *countCache) put(sourceID string, n int64) {
	c.lru.Add(sourceID, n)
}

func (c *countCache) invalidate(sourceID string) {
	c.lru.Remove(sourceID)
}
