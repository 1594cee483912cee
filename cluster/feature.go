package cluster

import (
	"github.com/paulmach/orb"
)

// Kind tags a feature geometry as point, line or polygon. Eligibility
// thresholds and extent handling are looked up per kind.
type Kind uint8

const (
	KindPoint Kind = iota
	KindLine
	KindPolygon
)

func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "Point"
	case KindLine:
		return "Line"
	case KindPolygon:
		return "Polygon"
	}
	return "Unknown"
}

// KindOf classifies an orb geometry. Anything with a multi-part or areal
// extent that is not a line is treated as a polygon.
func KindOf(g orb.Geometry) Kind {
	switch g.(type) {
	case orb.Point:
		return KindPoint
	case orb.LineString, orb.MultiLineString:
		return KindLine
	default:
		return KindPolygon
	}
}

// OriginalBound is the full, pre-simplification bounding box of a feature
// together with the projection it is expressed in.
type OriginalBound struct {
	Bound      orb.Bound
	Projection Projection
}

// Feature is a source feature handed to the engine by its Source. The
// engine never modifies it; identity is the pointer.
type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Original   *OriginalBound
	Properties map[string]interface{}

	// NoCluster excludes the feature from clustering regardless of size.
	NoCluster bool
}

// Kind returns the geometry kind of the feature.
func (f *Feature) Kind() Kind {
	return KindOf(f.Geometry)
}

// Cluster is a synthetic point feature aggregating one or more source
// features. Clusters are created by Builder and never mutated afterwards.
type Cluster struct {
	ID       string
	Seq      uint64
	Position orb.Point
	Members  []*Feature
}

// Count returns the number of member features.
func (c *Cluster) Count() int {
	return len(c.Members)
}

// Bound returns the union of the member geometry bounds, which is the
// extent a consumer zooms to when expanding the cluster.
func (c *Cluster) Bound() orb.Bound {
	b := c.Members[0].Geometry.Bound()
	for _, m := range c.Members[1:] {
		b = b.Union(m.Geometry.Bound())
	}
	return b
}

// Item is one entry of an engine output: either a cluster or an
// ineligible source feature passed through unchanged.
type Item struct {
	Cluster *Cluster
	Feature *Feature
}

// IsCluster reports whether the item is a cluster.
func (it Item) IsCluster() bool {
	return it.Cluster != nil
}

// Members returns the source features represented by the item.
func (it Item) Members() []*Feature {
	if it.Cluster != nil {
		return it.Cluster.Members
	}
	return []*Feature{it.Feature}
}

// Position returns the display position of the item: the cluster centroid
// or the centre of the pass-through feature's bounds.
func (it Item) Position() orb.Point {
	if it.Cluster != nil {
		return it.Cluster.Position
	}
	return it.Feature.Geometry.Bound().Center()
}
