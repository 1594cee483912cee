package cluster

import "github.com/paulmach/orb"

type cacheKey struct {
	feature    *Feature
	projection Projection
}

// BBoxCache memoizes the full bounding box of features reprojected into a
// target projection. It is owned by one Engine and is not safe for
// concurrent use.
type BBoxCache struct {
	reprojector   Reprojector
	entries       map[cacheKey]orb.Bound
	reprojections int
}

// NewBBoxCache creates an empty cache using r for reprojection.
func NewBBoxCache(r Reprojector) *BBoxCache {
	if r == nil {
		r = ProjectionTransformer{}
	}
	return &BBoxCache{
		reprojector: r,
		entries:     make(map[cacheKey]orb.Bound),
	}
}

// Resolve returns the full bounding box of f in the target projection.
// The second result is false when the feature carries no original bounds
// or they cannot be reprojected; callers fall back to the feature geometry.
func (c *BBoxCache) Resolve(f *Feature, target Projection) (orb.Bound, bool) {
	key := cacheKey{feature: f, projection: target}
	if b, ok := c.entries[key]; ok {
		return b, true
	}

	if f.Original == nil {
		return orb.Bound{}, false
	}

	c.reprojections++
	b, ok := c.reprojector.Reproject(f.Original.Bound, f.Original.Projection, target)
	if !ok {
		return orb.Bound{}, false
	}

	c.entries[key] = b
	return b, true
}

// Invalidate drops every entry. The engine calls it when the active
// projection changes.
func (c *BBoxCache) Invalidate() {
	clear(c.entries)
}

// Evict drops all entries held for f, e.g. after it was removed from its
// source or its original bounds changed.
func (c *BBoxCache) Evict(f *Feature) {
	for key := range c.entries {
		if key.feature == f {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (c *BBoxCache) Len() int {
	return len(c.entries)
}

// Reprojections returns how many reprojections the cache has performed.
func (c *BBoxCache) Reprojections() int {
	return c.reprojections
}
