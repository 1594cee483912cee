package cluster

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/qrafzv/openlayers/monitoring"
)

const (
	DefaultDistance      = 20
	DefaultClusterPrefix = "cluster-"
)

// NeighborPolicy selects which feature's eligibility is checked when
// filtering the neighbours found around a seed.
type NeighborPolicy int

const (
	// SeedEligibility re-tests the seed, so every unvisited candidate in
	// range joins the seed's cluster even if it would be ineligible on its
	// own. A cluster started by an eligible seed is never split.
	SeedEligibility NeighborPolicy = iota

	// CandidateEligibility tests each candidate; ineligible candidates are
	// left for their own pass-through entry.
	CandidateEligibility
)

func (p NeighborPolicy) String() string {
	if p == CandidateEligibility {
		return "candidate"
	}
	return "seed"
}

// ParseNeighborPolicy accepts "seed" or "candidate".
func ParseNeighborPolicy(s string) (NeighborPolicy, error) {
	switch s {
	case "", "seed":
		return SeedEligibility, nil
	case "candidate":
		return CandidateEligibility, nil
	}
	return SeedEligibility, fmt.Errorf("unknown neighbor policy %q", s)
}

// Options configures an Engine. Zero values are replaced by defaults in
// NewEngine.
type Options struct {
	Distance                 float64 // pixels
	MinimumPolygonPixelSize  float64
	MinimumLinePixelSize     float64
	DisableDynamicClustering bool
	ClusterPointsOnly        bool

	// Threshold dissolves clusters with fewer members back into
	// individual features. Values below 2 disable it.
	Threshold int

	ClusterPrefix  string
	NeighborPolicy NeighborPolicy
}

func (o Options) withDefaults() Options {
	if o.Distance <= 0 {
		o.Distance = DefaultDistance
	}
	if o.MinimumPolygonPixelSize <= 0 {
		o.MinimumPolygonPixelSize = o.Distance
	}
	if o.MinimumLinePixelSize <= 0 {
		o.MinimumLinePixelSize = o.Distance
	}
	if o.ClusterPrefix == "" {
		o.ClusterPrefix = DefaultClusterPrefix
	}
	return o
}

// Source is the upstream feature store the engine clusters.
type Source interface {
	// Features returns every loaded feature in a stable order.
	Features() []*Feature
	// FeaturesInExtent returns the features whose bounds intersect extent.
	FeaturesInExtent(extent orb.Bound) []*Feature
	// Load asks the store to make features for the view available.
	Load(ctx context.Context, extent orb.Bound, resolution float64, projection Projection) error
}

// Versioned is implemented by sources that count changes to their
// feature set. The engine recomputes when the count moves.
type Versioned interface {
	Version() uint64
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithReprojector replaces the projection transformer used by the bbox cache.
func WithReprojector(r Reprojector) EngineOption {
	return func(e *Engine) {
		e.cache = NewBBoxCache(r)
	}
}

// Engine recomputes clusters over a Source whenever the view resolution
// or projection changes. It is driven by a single owner and is not safe
// for concurrent use.
type Engine struct {
	source     Source
	options    Options
	cache      *BBoxCache
	classifier *Classifier
	builder    *Builder

	resolution    float64
	projection    Projection
	sourceVersion uint64
	stale         bool
	items         []Item
}

// NewEngine creates an engine clustering the features of source.
func NewEngine(source Source, options Options, opts ...EngineOption) *Engine {
	options = options.withDefaults()
	e := &Engine{
		source:  source,
		options: options,
		builder: NewBuilder(options.ClusterPrefix),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewBBoxCache(nil)
	}
	e.classifier = NewClassifier(e.cache, options)
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.options
}

// SetOptions replaces the options; the next Features call recomputes.
// The id counter keeps running.
func (e *Engine) SetOptions(options Options) {
	options = options.withDefaults()
	e.options = options
	e.builder.prefix = options.ClusterPrefix
	e.classifier = NewClassifier(e.cache, options)
	e.stale = true
}

// Cache exposes the engine's bounding box cache.
func (e *Engine) Cache() *BBoxCache {
	return e.cache
}

// Items returns the output of the last pass.
func (e *Engine) Items() []Item {
	return e.items
}

// Resolution returns the resolution of the last pass, or 0.
func (e *Engine) Resolution() float64 {
	return e.resolution
}

// Projection returns the projection of the last pass.
func (e *Engine) Projection() Projection {
	return e.projection
}

// Invalidate forces the next Features or Refresh call to recompute, for
// example after features were added to or removed from the source.
func (e *Engine) Invalidate() {
	e.stale = true
}

// ResetIDs restarts cluster id generation at 1.
func (e *Engine) ResetIDs() {
	e.builder.Reset()
}

// Features loads the view through the source and returns the clustered
// output for it. A load error leaves the previous output in place.
func (e *Engine) Features(ctx context.Context, extent orb.Bound, resolution float64, projection Projection) ([]Item, error) {
	if err := e.source.Load(ctx, extent, resolution, projection); err != nil {
		return e.items, fmt.Errorf("failed to load features: %w", err)
	}
	e.Refresh(resolution, projection)
	return e.items, nil
}

// Refresh runs a clustering pass when resolution or projection differ
// from the last pass, or when a Versioned source changed. It reports
// whether a pass ran. A resolution that is not a positive number is
// ignored.
func (e *Engine) Refresh(resolution float64, projection Projection) bool {
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return false
	}
	e.syncSource()
	if !e.stale && resolution == e.resolution && projection == e.projection {
		return false
	}

	if projection != e.projection {
		e.cache.Invalidate()
	}

	e.items = e.cluster(resolution, projection)
	e.resolution = resolution
	e.projection = projection
	e.stale = false
	return true
}

// syncSource marks the output stale and drops cached bounds when a
// Versioned source reports a change, so removed features are released.
func (e *Engine) syncSource() {
	v, ok := e.source.(Versioned)
	if !ok {
		return
	}
	if version := v.Version(); version != e.sourceVersion {
		e.sourceVersion = version
		e.stale = true
		e.cache.Invalidate()
	}
}

func (e *Engine) cluster(resolution float64, projection Projection) []Item {
	features := e.source.Features()
	radius := e.options.Distance * resolution
	monitoring.Logf("Clustering %d features with radius %f", len(features), radius)
	done := monitoring.Stopwatch()

	clustered := make(map[*Feature]struct{}, len(features))
	ineligible := make(map[*Feature]struct{})
	items := make([]Item, 0, len(features))
	var numClusters int

	for _, f := range features {
		if _, ok := clustered[f]; ok {
			continue
		}

		if !e.classifier.Eligible(f, resolution, projection) {
			ineligible[f] = struct{}{}
			items = append(items, Item{Feature: f})
			continue
		}

		members := e.neighbors(f, radius, resolution, projection, clustered, ineligible)
		if e.options.Threshold > 1 && len(members) < e.options.Threshold {
			for _, m := range members {
				items = append(items, Item{Feature: m})
			}
			continue
		}

		items = append(items, Item{Cluster: e.builder.Build(members)})
		numClusters++
	}

	done("Created %d clusters from %d features", numClusters, len(features))
	return items
}

// neighbors collects the seed and every unclustered, not ineligible
// feature within radius of the seed's centroid, marking them clustered.
// The seed always comes first so the result is never empty.
func (e *Engine) neighbors(seed *Feature, radius, resolution float64, projection Projection,
	clustered, ineligible map[*Feature]struct{}) []*Feature {

	center := centroid(seed.Geometry)
	extent := orb.Bound{Min: center, Max: center}.Pad(radius)

	// The seed passed classification just before this call, so under
	// SeedEligibility every candidate is accepted.
	accept := func(*Feature) bool { return true }
	if e.options.NeighborPolicy == CandidateEligibility {
		accept = func(c *Feature) bool {
			return e.classifier.Eligible(c, resolution, projection)
		}
	}

	members := []*Feature{seed}
	clustered[seed] = struct{}{}

	for _, c := range e.source.FeaturesInExtent(extent) {
		if _, ok := clustered[c]; ok {
			continue
		}
		if _, ok := ineligible[c]; ok {
			continue
		}
		if !accept(c) {
			continue
		}
		clustered[c] = struct{}{}
		members = append(members, c)
	}
	return members
}

func centroid(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	if math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return g.Bound().Center()
	}
	return c
}

// ToGeoJSON converts engine output into a feature collection. Clusters
// become points carrying their member ids; pass-through features keep
// their geometry and properties.
func ToGeoJSON(items []Item) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, it := range items {
		if it.Cluster != nil {
			f := geojson.NewFeature(it.Cluster.Position)
			f.ID = it.Cluster.ID

			ids := make([]string, len(it.Cluster.Members))
			for i, m := range it.Cluster.Members {
				ids[i] = m.ID
			}
			f.Properties["cluster"] = true
			f.Properties["cluster_id"] = it.Cluster.ID
			f.Properties["point_count"] = len(it.Cluster.Members)
			f.Properties["members"] = ids
			fc.Append(f)
			continue
		}

		f := geojson.NewFeature(it.Feature.Geometry)
		f.ID = it.Feature.ID
		for k, v := range it.Feature.Properties {
			f.Properties[k] = v
		}
		f.Properties["cluster"] = false
		fc.Append(f)
	}
	return fc
}
