package cluster

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projection is a named coordinate reference system such as "EPSG:3857".
type Projection string

const (
	EPSG4326 Projection = "EPSG:4326"
	EPSG3857 Projection = "EPSG:3857"
)

// maxMercatorLat is the latitude at which web mercator is square.
const maxMercatorLat = 85.05112878

var projectionAliases = map[Projection]Projection{
	"CRS:84":      EPSG4326,
	"WGS84":       EPSG4326,
	"EPSG:900913": EPSG3857,
	"EPSG:102100": EPSG3857,
	"EPSG:102113": EPSG3857,
}

// Canonical maps known aliases onto their canonical projection code.
func Canonical(p Projection) Projection {
	if c, ok := projectionAliases[p]; ok {
		return c
	}
	return p
}

// Reprojector transforms an axis-aligned bounding box between projections.
// It returns false when the transform is unknown or the result unusable.
type Reprojector interface {
	Reproject(b orb.Bound, from, to Projection) (orb.Bound, bool)
}

// ProjectionTransformer reprojects between geographic and web mercator
// coordinates. Identical codes are an identity transform.
type ProjectionTransformer struct{}

var _ Reprojector = ProjectionTransformer{}

func (ProjectionTransformer) Reproject(b orb.Bound, from, to Projection) (orb.Bound, bool) {
	if !validBound(b) {
		return orb.Bound{}, false
	}

	from, to = Canonical(from), Canonical(to)
	if from == to {
		return b, true
	}

	proj, ok := transform(from, to)
	if !ok {
		return orb.Bound{}, false
	}

	// Both transforms are monotonic per axis, so the corners are enough.
	out := orb.MultiPoint{proj(b.Min), proj(b.Max)}.Bound()
	if !validBound(out) {
		return orb.Bound{}, false
	}
	return out, true
}

// ReprojectGeometry returns a copy of g transformed between projections.
// g itself is not modified. It returns false for an unknown transform or
// a result with non-finite coordinates.
func ReprojectGeometry(g orb.Geometry, from, to Projection) (orb.Geometry, bool) {
	if g == nil {
		return nil, false
	}
	proj, ok := transform(Canonical(from), Canonical(to))
	if !ok {
		return nil, false
	}
	out := project.Geometry(orb.Clone(g), proj)
	if !validBound(out.Bound()) {
		return nil, false
	}
	return out, true
}

// CanReproject reports whether coordinates can be transformed between
// the two projections.
func CanReproject(from, to Projection) bool {
	_, ok := transform(Canonical(from), Canonical(to))
	return ok
}

func transform(from, to Projection) (orb.Projection, bool) {
	switch {
	case from == to:
		return func(p orb.Point) orb.Point { return p }, true
	case from == EPSG4326 && to == EPSG3857:
		return func(p orb.Point) orb.Point {
			p[1] = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p[1]))
			return project.WGS84.ToMercator(p)
		}, true
	case from == EPSG3857 && to == EPSG4326:
		return project.Mercator.ToWGS84, true
	}
	return nil, false
}

func validBound(b orb.Bound) bool {
	for _, v := range [...]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1]
}
