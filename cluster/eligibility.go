package cluster

import (
	"math"

	"github.com/paulmach/orb"
)

// Classifier decides whether a feature may be merged into a cluster.
type Classifier struct {
	cache *BBoxCache

	minLine        float64
	disableDynamic bool
	pointsOnly     bool

	// fallback holds the pixel size limit per geometry kind used when no
	// original bounds are available.
	fallback [3]float64
}

// NewClassifier builds a classifier from o. Missing thresholds must
// already be defaulted.
func NewClassifier(cache *BBoxCache, o Options) *Classifier {
	return &Classifier{
		cache:          cache,
		minLine:        o.MinimumLinePixelSize,
		disableDynamic: o.DisableDynamicClustering,
		pointsOnly:     o.ClusterPointsOnly,
		fallback: [3]float64{
			KindPoint:   math.Inf(1),
			KindLine:    o.MinimumLinePixelSize,
			KindPolygon: o.MinimumPolygonPixelSize,
		},
	}
}

// Eligible reports whether f may become a cluster member at resolution
// (map units per pixel) in the given projection.
func (c *Classifier) Eligible(f *Feature, resolution float64, projection Projection) bool {
	if f.NoCluster {
		return false
	}

	if !c.disableDynamic {
		// Full bounds are compared against the line threshold for every
		// geometry kind, not only lines.
		if b, ok := c.cache.Resolve(f, projection); ok {
			return fitsPixels(b, resolution, c.minLine)
		}

		kind := f.Kind()
		if kind == KindPoint {
			return true
		}
		return fitsPixels(f.Geometry.Bound(), resolution, c.fallback[kind])
	}

	if c.pointsOnly {
		return f.Kind() == KindPoint
	}
	return true
}

func fitsPixels(b orb.Bound, resolution, limit float64) bool {
	w := (b.Right() - b.Left()) / resolution
	h := (b.Top() - b.Bottom()) / resolution
	return w < limit && h < limit
}
