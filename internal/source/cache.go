package source

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SourceCache hands out FeatureSource handles keyed by URL. Opening a source
// parses its envelope index, so handles are kept for the life of the process
// and concurrent opens of the same URL share one parse.
type SourceCache struct {
	ranges *RangeCache
	group  singleflight.Group

	mu      sync.Mutex
	sources map[string]*FeatureSource
}

// NewSourceCache builds a handle registry over the given range cache.
func NewSourceCache(ranges *RangeCache) *SourceCache {
	return &SourceCache{
		ranges:  ranges,
		sources: make(map[string]*FeatureSource),
	}
}

// Get returns the FeatureSource for url, opening it on first use. A failed
// open is not cached; the next Get retries.
func (c *SourceCache) Get(ctx context.Context, url string) (*FeatureSource, error) {
	c.mu.Lock()
	if s, ok := c.sources[url]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(url, func() (any, error) {
		s, err := OpenSource(ctx, c.ranges, url)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.sources[url] = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FeatureSource), nil
}

// Ranges exposes the underlying byte-range cache.
func (c *SourceCache) Ranges() *RangeCache { return c.ranges }
