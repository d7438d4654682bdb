// Package gridcache is a bounded, LRU-evicting cache of fully materialised
// grid cell contents, keyed by cell id.
package gridcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is used when an engine is configured with a zero or
// negative cache capacity.
const DefaultCapacity = 500

// CellItem is the complete, in-memory contents of one grid cell: a mapping
// from full storage key to value. It is shared between the cache map and any
// caller holding a handle obtained from Get or passed to Put; an internal mutex means a
// handle outlives the cache's own lock and stays safe to read after the
// cache operation that produced it returns.
type CellItem struct {
	ID string

	mu     sync.RWMutex
	points map[string][]byte
}

// NewCellItem returns an empty item for the given cell id.
func NewCellItem(id string) *CellItem {
	return &CellItem{ID: id, points: make(map[string][]byte)}
}

// Put installs or overwrites a single point's value within the cell.
func (c *CellItem) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[key] = append([]byte(nil), value...)
}

// Get returns the value for key and whether it was present.
func (c *CellItem) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.points[key]
	return v, ok
}

// Len reports how many points the cell currently holds.
func (c *CellItem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}

// Each invokes fn for every (key, value) pair currently in the cell. Order is
// unspecified, matching the engine's range-query contract for cached cells.
func (c *CellItem) Each(fn func(key string, value []byte)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.points {
		fn(k, v)
	}
}

// Cache is a bounded mapping from cell id to CellItem with LRU eviction.
// golang-lru's Cache is already internally synchronized under a single
// mutex, which is the concurrency model the spec calls for: all structural
// operations (get/put/remove/clear/size) are serialized, while the returned
// *CellItem handles use their own lock and so remain safely readable after
// the cache-level call returns.
type Cache struct {
	lru *lru.Cache[string, *CellItem]
}

// New returns a cache bounded to capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, *CellItem](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which is excluded above.
		panic(err)
	}
	return &Cache{lru: l}
}

// Get promotes id to most-recently-used and returns its item, if resident.
func (c *Cache) Get(id string) (*CellItem, bool) {
	return c.lru.Get(id)
}

// Put inserts or replaces the item for id, promoting it to most-recently-used
// and evicting the least-recently-used entry if the cache is full.
func (c *Cache) Put(id string, item *CellItem) {
	c.lru.Add(id, item)
}

// Remove evicts id, if present.
func (c *Cache) Remove(id string) {
	c.lru.Remove(id)
}

// Clear evicts every resident cell.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len reports the number of resident cells.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Keys returns the resident cell ids, ordered least- to most-recently-used.
func (c *Cache) Keys() []string {
	return c.lru.Keys()
}
