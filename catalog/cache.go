package catalog

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the full list of tiles.
type LoadFunc func(ctx context.Context) ([]TileRecord, error)

// Cache loads the catalog once, lazily, and keeps it until Clear. Concurrent
// first callers share a single load; a failed load is not kept.
type Cache struct {
	load LoadFunc

	mu      sync.RWMutex
	records []TileRecord
	loaded  bool
	// gen is bumped by Clear so that a load started before it is not stored.
	gen uint64

	inflight singleflight.Group
}

func NewCache(load LoadFunc) *Cache {
	return &Cache{load: load}
}

// Load returns the cached records, loading them on first use. The returned
// slice is shared and must not be modified.
func (c *Cache) Load(ctx context.Context) ([]TileRecord, error) {
	c.mu.RLock()
	if c.loaded {
		records := c.records
		c.mu.RUnlock()
		return records, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	// The shared load outlives any single caller, each one only stops
	// waiting when its own context ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan("catalog", func() (interface{}, error) {
		c.mu.RLock()
		if c.loaded && c.gen == gen {
			records := c.records
			c.mu.RUnlock()
			return records, nil
		}
		c.mu.RUnlock()

		records, err := c.load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.records, c.loaded = records, true
		}
		c.mu.Unlock()
		return records, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]TileRecord), nil
	}
}

// Clear drops the cached records, the next Load reads the catalog again.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.records, c.loaded = nil, false
	c.gen++
	c.mu.Unlock()
	c.inflight.Forget("catalog")
}

// Loaded reports whether records are cached.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}
