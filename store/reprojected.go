package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"github.com/qrafzv/openlayers/cluster"
	"github.com/qrafzv/openlayers/monitoring"
)

var ErrUnsupportedProjection = errors.New("store: unsupported projection")

// Reprojected presents the features of a Store in another projection.
// Geometries are transformed into a private mirror store that is rebuilt
// whenever the base store's version moves. IDs, properties and original
// bounds are shared with the base features.
type Reprojected struct {
	base     *Store
	from, to cluster.Projection

	mu     sync.Mutex
	mirror *Store
	synced uint64
}

var (
	_ cluster.Source    = (*Reprojected)(nil)
	_ cluster.Versioned = (*Reprojected)(nil)
)

// NewReprojected views base, whose geometries are in from, in the to
// projection.
func NewReprojected(base *Store, from, to cluster.Projection) (*Reprojected, error) {
	from, to = cluster.Canonical(from), cluster.Canonical(to)
	if !cluster.CanReproject(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupportedProjection, from, to)
	}
	return &Reprojected{base: base, from: from, to: to}, nil
}

// Projection returns the projection features are presented in.
func (r *Reprojected) Projection() cluster.Projection {
	return r.to
}

// Version follows the base store.
func (r *Reprojected) Version() uint64 {
	return r.base.Version()
}

func (r *Reprojected) Features() []*cluster.Feature {
	return r.sync().Features()
}

func (r *Reprojected) FeaturesInExtent(extent orb.Bound) []*cluster.Feature {
	return r.sync().FeaturesInExtent(extent)
}

// Load hands the view to the base store in the base projection. The
// resolution is scaled by the ratio of the extent widths.
func (r *Reprojected) Load(ctx context.Context, extent orb.Bound, resolution float64, projection cluster.Projection) error {
	b, ok := cluster.ProjectionTransformer{}.Reproject(extent, r.to, r.from)
	if !ok {
		return fmt.Errorf("%w: extent %v cannot be reprojected to %s", ErrUnsupportedProjection, extent, r.from)
	}
	if w := extent.Max[0] - extent.Min[0]; w > 0 {
		resolution *= (b.Max[0] - b.Min[0]) / w
	}
	return r.base.Load(ctx, b, resolution, r.from)
}

func (r *Reprojected) sync() *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.base.Version()
	if r.mirror != nil && v == r.synced {
		return r.mirror
	}

	done := monitoring.Stopwatch()
	features := r.base.Features()
	projected := make([]*cluster.Feature, 0, len(features))
	for _, f := range features {
		g, ok := cluster.ReprojectGeometry(f.Geometry, r.from, r.to)
		if !ok {
			monitoring.Logf("Skipping feature %s: geometry cannot be reprojected to %s", f.ID, r.to)
			continue
		}
		projected = append(projected, &cluster.Feature{
			ID:         f.ID,
			Geometry:   g,
			Original:   f.Original,
			Properties: f.Properties,
			NoCluster:  f.NoCluster,
		})
	}

	mirror := New(nil)
	if err := mirror.Add(projected...); err != nil {
		monitoring.Logf("Failed to mirror features in %s: %v", r.to, err)
	}
	r.mirror, r.synced = mirror, v
	done("Reprojected %d features to %s", mirror.Len(), r.to)
	return mirror
}
