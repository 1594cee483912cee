package cluster

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrafzv/openlayers/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

// sliceSource is a brute force Source over an ordered slice.
type sliceSource struct {
	features []*Feature
	loadErr  error
	loads    int
}

func (s *sliceSource) Features() []*Feature {
	return s.features
}

func (s *sliceSource) FeaturesInExtent(extent orb.Bound) []*Feature {
	var out []*Feature
	for _, f := range s.features {
		if f.Geometry.Bound().Intersects(extent) {
			out = append(out, f)
		}
	}
	return out
}

func (s *sliceSource) Load(ctx context.Context, extent orb.Bound, resolution float64, projection Projection) error {
	s.loads++
	return s.loadErr
}

// versionedSource counts changes to its features and can add features
// while loading.
type versionedSource struct {
	sliceSource
	version uint64
	onLoad  func(*versionedSource)
}

func (s *versionedSource) Version() uint64 {
	return s.version
}

func (s *versionedSource) Load(ctx context.Context, extent orb.Bound, resolution float64, projection Projection) error {
	if s.onLoad != nil {
		s.onLoad(s)
	}
	return s.sliceSource.Load(ctx, extent, resolution, projection)
}

func (s *versionedSource) add(features ...*Feature) {
	s.features = append(s.features, features...)
	s.version++
}

type countingReprojector struct {
	calls int
}

func (r *countingReprojector) Reproject(b orb.Bound, from, to Projection) (orb.Bound, bool) {
	r.calls++
	return ProjectionTransformer{}.Reproject(b, from, to)
}

func point(id string, x, y float64) *Feature {
	return &Feature{ID: id, Geometry: orb.Point{x, y}}
}

func square(id string, x, y, size float64) *Feature {
	return &Feature{ID: id, Geometry: orb.Polygon{{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}}}
}

func withOriginal(f *Feature, b orb.Bound, p Projection) *Feature {
	f.Original = &OriginalBound{Bound: b, Projection: p}
	return f
}

func memberIDs(items []Item) [][]string {
	out := make([][]string, len(items))
	for i, it := range items {
		for _, m := range it.Members() {
			out[i] = append(out[i], m.ID)
		}
	}
	return out
}

func TestBuilderCentroid(t *testing.T) {
	b := NewBuilder("c")
	c := b.Build([]*Feature{point("a", 0, 0), point("b", 2, 0)})

	if c.Position != (orb.Point{1, 0}) {
		t.Errorf("Expected position (1,0), got %v", c.Position)
	}
	if c.ID != "c1" {
		t.Errorf("Expected id c1, got %s", c.ID)
	}
	if c.Count() != 2 {
		t.Errorf("Expected 2 members, got %d", c.Count())
	}
}

func TestBuilderUsesBoundCenters(t *testing.T) {
	b := NewBuilder("")
	c := b.Build([]*Feature{square("a", 0, 0, 2), point("b", 3, 1)})
	assert.Equal(t, orb.Point{2, 1}, c.Position)
}

func TestBuilderKeepsMembersVerbatim(t *testing.T) {
	members := []*Feature{point("a", 0, 0), point("b", 1, 1)}
	c := NewBuilder("").Build(members)
	require.Len(t, c.Members, 2)
	assert.Same(t, members[0], c.Members[0])
	assert.Same(t, members[1], c.Members[1])
}

func TestBuilderIDsAndReset(t *testing.T) {
	b := NewBuilder("x-")
	first := b.Build([]*Feature{point("a", 0, 0)})
	second := b.Build([]*Feature{point("b", 0, 0)})
	assert.Equal(t, "x-1", first.ID)
	assert.Equal(t, "x-2", second.ID)
	assert.Equal(t, uint64(3), b.Next())

	b.Reset()
	assert.Equal(t, "x-1", b.Build([]*Feature{point("c", 0, 0)}).ID)
}

func TestBuilderPanicsWithoutMembers(t *testing.T) {
	require.Panics(t, func() {
		NewBuilder("").Build(nil)
	})
}

func TestBBoxCacheReuse(t *testing.T) {
	r := &countingReprojector{}
	cache := NewBBoxCache(r)
	f := withOriginal(point("a", 0, 0), orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}, EPSG4326)

	first, ok := cache.Resolve(f, EPSG3857)
	require.True(t, ok)
	second, ok := cache.Resolve(f, EPSG3857)
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, cache.Reprojections())
	assert.Equal(t, 1, cache.Len())

	cache.Invalidate()
	assert.Equal(t, 0, cache.Len())
	_, ok = cache.Resolve(f, EPSG3857)
	require.True(t, ok)
	assert.Equal(t, 2, r.calls)
}

func TestBBoxCacheEvict(t *testing.T) {
	cache := NewBBoxCache(nil)
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	f := withOriginal(point("a", 0, 0), b, EPSG3857)
	g := withOriginal(point("b", 0, 0), b, EPSG3857)

	cache.Resolve(f, EPSG3857)
	cache.Resolve(f, EPSG4326)
	cache.Resolve(g, EPSG3857)
	require.Equal(t, 3, cache.Len())

	cache.Evict(f)
	assert.Equal(t, 1, cache.Len())
}

func TestBBoxCacheUnavailable(t *testing.T) {
	cache := NewBBoxCache(nil)

	_, ok := cache.Resolve(point("a", 0, 0), EPSG3857)
	assert.False(t, ok, "feature without original bounds")

	f := withOriginal(point("b", 0, 0), orb.Bound{Max: orb.Point{1, 1}}, "EPSG:27700")
	_, ok = cache.Resolve(f, EPSG3857)
	assert.False(t, ok, "unknown projection pair")

	bad := withOriginal(point("c", 0, 0), orb.Bound{Min: orb.Point{math.NaN(), 0}, Max: orb.Point{1, 1}}, EPSG3857)
	_, ok = cache.Resolve(bad, EPSG3857)
	assert.False(t, ok, "malformed bounds")
	assert.Equal(t, 0, cache.Len())
}

func TestProjectionIdentity(t *testing.T) {
	b := orb.Bound{Min: orb.Point{3, 4}, Max: orb.Point{5, 6}}
	got, ok := ProjectionTransformer{}.Reproject(b, "EPSG:27700", "EPSG:27700")
	require.True(t, ok)
	assert.Equal(t, b, got)

	got, ok = ProjectionTransformer{}.Reproject(b, "EPSG:900913", EPSG3857)
	require.True(t, ok)
	assert.Equal(t, b, got)
}

func TestProjectionRoundTrip(t *testing.T) {
	testCases := []orb.Bound{
		{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}},
		{Min: orb.Point{-10, -5}, Max: orb.Point{10, 5}},
		{Min: orb.Point{-180, -80}, Max: orb.Point{180, 80}},
		{Min: orb.Point{45, 45}, Max: orb.Point{46, 46}},
	}

	tr := ProjectionTransformer{}
	for _, tc := range testCases {
		merc, ok := tr.Reproject(tc, EPSG4326, EPSG3857)
		require.True(t, ok)
		back, ok := tr.Reproject(merc, EPSG3857, EPSG4326)
		require.True(t, ok)

		const epsilon = 1e-6
		for i := 0; i < 2; i++ {
			if math.Abs(tc.Min[i]-back.Min[i]) > epsilon || math.Abs(tc.Max[i]-back.Max[i]) > epsilon {
				t.Errorf("Projection round trip failed for %v: got %v", tc, back)
			}
		}
	}
}

func TestProjectionClampsPoles(t *testing.T) {
	b := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	got, ok := ProjectionTransformer{}.Reproject(b, EPSG4326, EPSG3857)
	require.True(t, ok)
	assert.False(t, math.IsInf(got.Max[1], 0))
	assert.InDelta(t, got.Max[0], got.Max[1], 1)
}

func TestReprojectGeometry(t *testing.T) {
	line := orb.LineString{{0, 0}, {10, 45}}
	got, ok := ReprojectGeometry(line, "CRS:84", EPSG3857)
	require.True(t, ok)

	merc := got.(orb.LineString)
	assert.Equal(t, orb.LineString{{0, 0}, {10, 45}}, line)
	assert.InDelta(t, 1113194.9, merc[1][0], 1)
	assert.InDelta(t, 5621521.5, merc[1][1], 1)

	back, ok := ReprojectGeometry(merc, EPSG3857, EPSG4326)
	require.True(t, ok)
	for i, p := range back.(orb.LineString) {
		assert.InDelta(t, line[i][0], p[0], 1e-6)
		assert.InDelta(t, line[i][1], p[1], 1e-6)
	}

	_, ok = ReprojectGeometry(line, EPSG4326, "EPSG:27700")
	assert.False(t, ok)
	assert.False(t, CanReproject(EPSG4326, "EPSG:27700"))
	assert.True(t, CanReproject("EPSG:900913", "WGS84"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		g    orb.Geometry
		want Kind
	}{
		{orb.Point{1, 2}, KindPoint},
		{orb.LineString{{0, 0}, {1, 1}}, KindLine},
		{orb.MultiLineString{{{0, 0}, {1, 1}}}, KindLine},
		{orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}, KindPolygon},
		{orb.MultiPoint{{0, 0}, {1, 1}}, KindPolygon},
	}
	for _, tt := range tests {
		if got := KindOf(tt.g); got != tt.want {
			t.Errorf("KindOf(%s) = %v, want %v", tt.g.GeoJSONType(), got, tt.want)
		}
	}
}

func TestClassifier(t *testing.T) {
	line := func(w float64) *Feature {
		return &Feature{ID: "l", Geometry: orb.LineString{{0, 0}, {w, 1}}}
	}
	sized := func(w, h float64) orb.Bound {
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{w, h}}
	}

	tests := []struct {
		name       string
		opts       Options
		feature    *Feature
		resolution float64
		want       bool
	}{
		{"small polygon bounds", Options{MinimumLinePixelSize: 20}, withOriginal(square("p", 0, 0, 1), sized(10, 10), EPSG3857), 1, true},
		{"wide polygon bounds", Options{MinimumLinePixelSize: 20}, withOriginal(square("p", 0, 0, 1), sized(30, 10), EPSG3857), 1, false},
		{"tall polygon bounds", Options{MinimumLinePixelSize: 20}, withOriginal(square("p", 0, 0, 1), sized(10, 30), EPSG3857), 1, false},
		{"wide bounds at coarser resolution", Options{MinimumLinePixelSize: 20}, withOriginal(square("p", 0, 0, 1), sized(30, 10), EPSG3857), 2, true},
		{"threshold is exclusive", Options{MinimumLinePixelSize: 20}, withOriginal(square("p", 0, 0, 1), sized(20, 1), EPSG3857), 1, false},
		{"polygon bounds use line threshold", Options{MinimumLinePixelSize: 20, MinimumPolygonPixelSize: 5}, withOriginal(square("p", 0, 0, 1), sized(10, 10), EPSG3857), 1, true},
		{"fallback polygon uses polygon threshold", Options{MinimumLinePixelSize: 50, MinimumPolygonPixelSize: 5}, square("p", 0, 0, 10), 1, false},
		{"fallback line uses line threshold", Options{MinimumLinePixelSize: 50, MinimumPolygonPixelSize: 5}, line(10), 1, true},
		{"fallback long line", Options{MinimumLinePixelSize: 5, MinimumPolygonPixelSize: 50}, line(10), 1, false},
		{"fallback point", Options{MinimumLinePixelSize: 1, MinimumPolygonPixelSize: 1}, point("a", 0, 0), 1, true},
		{"disabled marker", Options{MinimumLinePixelSize: 20}, &Feature{ID: "a", Geometry: orb.Point{}, NoCluster: true}, 1, false},
		{"points only point", Options{DisableDynamicClustering: true, ClusterPointsOnly: true}, point("a", 0, 0), 1, true},
		{"points only line", Options{DisableDynamicClustering: true, ClusterPointsOnly: true}, line(1), 1, false},
		{"static clusters everything", Options{DisableDynamicClustering: true}, square("p", 0, 0, 1000), 1, true},
		{"static keeps disabled marker", Options{DisableDynamicClustering: true}, &Feature{ID: "a", Geometry: orb.Point{}, NoCluster: true}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(NewBBoxCache(nil), tt.opts.withDefaults())
			got := c.Eligible(tt.feature, tt.resolution, EPSG3857)
			if got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, float64(DefaultDistance), o.Distance)
	assert.Equal(t, o.Distance, o.MinimumLinePixelSize)
	assert.Equal(t, o.Distance, o.MinimumPolygonPixelSize)
	assert.Equal(t, DefaultClusterPrefix, o.ClusterPrefix)

	o = Options{Distance: 40, MinimumLinePixelSize: 10}.withDefaults()
	assert.Equal(t, float64(40), o.MinimumPolygonPixelSize)
	assert.Equal(t, float64(10), o.MinimumLinePixelSize)
}

func TestParseNeighborPolicy(t *testing.T) {
	p, err := ParseNeighborPolicy("candidate")
	require.NoError(t, err)
	assert.Equal(t, CandidateEligibility, p)
	assert.Equal(t, "candidate", p.String())

	p, err = ParseNeighborPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SeedEligibility, p)

	_, err = ParseNeighborPolicy("nearest")
	assert.Error(t, err)
}

func TestEngineDistanceThreshold(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		want [][]string
	}{
		{"within distance", 15, [][]string{{"a", "b"}}},
		{"beyond distance", 25, [][]string{{"a"}, {"b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &sliceSource{features: []*Feature{point("a", 0, 0), point("b", tt.x, 0)}}
			e := NewEngine(src, Options{Distance: 20})

			items, err := e.Features(context.Background(), orb.Bound{}, 1, EPSG3857)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, memberIDs(items)); diff != "" {
				t.Errorf("members mismatch (-want +got):\n%s", diff)
			}
			for _, it := range items {
				assert.True(t, it.IsCluster())
			}
		})
	}
}

func TestEngineRadiusScalesWithResolution(t *testing.T) {
	src := &sliceSource{features: []*Feature{point("a", 0, 0), point("b", 25, 0)}}
	e := NewEngine(src, Options{Distance: 20})

	require.True(t, e.Refresh(1, EPSG3857))
	assert.Len(t, e.Items(), 2)

	require.True(t, e.Refresh(2, EPSG3857))
	assert.Len(t, e.Items(), 1)
}

func TestEngineIdempotentRefresh(t *testing.T) {
	src := &sliceSource{features: []*Feature{point("a", 0, 0), point("b", 5, 0), point("c", 100, 0)}}
	e := NewEngine(src, Options{})

	first, err := e.Features(context.Background(), orb.Bound{}, 1, EPSG3857)
	require.NoError(t, err)
	second, err := e.Features(context.Background(), orb.Bound{}, 1, EPSG3857)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	assert.Same(t, &first[0], &second[0], "output slice must be retained")
	for i := range first {
		assert.Same(t, first[i].Cluster, second[i].Cluster)
	}
	assert.Equal(t, 2, src.loads)
	assert.Equal(t, uint64(3), e.builder.Next())
}

func TestEngineIgnoresUnsetResolution(t *testing.T) {
	src := &sliceSource{features: []*Feature{point("a", 0, 0)}}
	e := NewEngine(src, Options{})

	assert.False(t, e.Refresh(0, EPSG3857))
	assert.False(t, e.Refresh(math.NaN(), EPSG3857))
	assert.False(t, e.Refresh(-1, EPSG3857))
	assert.Nil(t, e.Items())

	require.True(t, e.Refresh(1, EPSG3857))
	items := e.Items()
	assert.False(t, e.Refresh(0, EPSG3857))
	assert.Equal(t, items, e.Items())
}

func TestEngineProjectionChange(t *testing.T) {
	r := &countingReprojector{}
	f := withOriginal(point("a", 0, 0), orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.0001, 0.0001}}, EPSG4326)
	src := &sliceSource{features: []*Feature{f}}
	e := NewEngine(src, Options{}, WithReprojector(r))

	require.True(t, e.Refresh(1, EPSG3857))
	require.Equal(t, 1, r.calls)
	assert.False(t, e.Refresh(1, EPSG3857))
	assert.Equal(t, 1, r.calls)

	require.True(t, e.Refresh(1, EPSG4326), "projection change triggers a pass")
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, 1, e.Cache().Len(), "entries for the old projection are dropped")
	assert.Equal(t, EPSG4326, e.Projection())
}

func TestEngineCacheReusedAcrossResolutions(t *testing.T) {
	r := &countingReprojector{}
	f := withOriginal(square("p", 0, 0, 1), orb.Bound{Max: orb.Point{10, 10}}, EPSG3857)
	src := &sliceSource{features: []*Feature{f, point("a", 3, 3)}}
	e := NewEngine(src, Options{}, WithReprojector(r))

	for _, res := range []float64{1, 2, 4, 8} {
		require.True(t, e.Refresh(res, EPSG3857))
	}
	assert.Equal(t, 1, r.calls)
}

func TestEnginePartition(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1000, 1000}}
	features := GenerateTestFeatures(500, bounds, 7)
	for i, f := range features {
		if i%11 == 0 {
			f.NoCluster = true
		}
	}
	src := &sliceSource{features: features}

	for _, policy := range []NeighborPolicy{SeedEligibility, CandidateEligibility} {
		e := NewEngine(src, Options{Distance: 30, NeighborPolicy: policy})
		for _, res := range []float64{0.1, 1, 5} {
			require.True(t, e.Refresh(res, EPSG3857))

			seen := make(map[*Feature]int)
			for _, it := range e.Items() {
				if it.IsCluster() {
					require.NotEmpty(t, it.Cluster.Members)
				} else {
					require.NotNil(t, it.Feature)
				}
				for _, m := range it.Members() {
					seen[m]++
				}
			}

			require.Len(t, seen, len(features), "policy %v res %v", policy, res)
			for f, n := range seen {
				require.Equal(t, 1, n, "feature %s appears %d times", f.ID, n)
			}
		}
	}
}

func TestEngineIDsIncreaseAcrossPasses(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{500, 500}}
	src := &sliceSource{features: GenerateTestFeatures(200, bounds, 3)}
	e := NewEngine(src, Options{ClusterPrefix: "c"})

	var last uint64
	ids := make(map[string]bool)
	for _, res := range []float64{4, 2, 1, 0.5, 1, 2} {
		require.True(t, e.Refresh(res, EPSG3857))

		var passMax uint64
		for _, it := range e.Items() {
			if !it.IsCluster() {
				continue
			}
			require.False(t, ids[it.Cluster.ID], "duplicate id %s", it.Cluster.ID)
			ids[it.Cluster.ID] = true
			require.Greater(t, it.Cluster.Seq, last)
			passMax = max(passMax, it.Cluster.Seq)
		}
		last = passMax
	}

	e.ResetIDs()
	e.Invalidate()
	require.True(t, e.Refresh(2, EPSG3857))
	assert.Equal(t, "c1", e.Items()[0].Cluster.ID)
}

func TestEngineNeighborPolicies(t *testing.T) {
	large := func() *Feature {
		f := square("big", 5, -50, 100)
		return withOriginal(f, f.Geometry.Bound(), EPSG3857)
	}

	tests := []struct {
		name   string
		policy NeighborPolicy
		order  func(seed, big *Feature) []*Feature
		want   [][]string
		kinds  []bool
	}{
		{
			name:   "seed policy absorbs unvisited ineligible neighbour",
			policy: SeedEligibility,
			order:  func(seed, big *Feature) []*Feature { return []*Feature{seed, big} },
			want:   [][]string{{"seed", "big"}},
			kinds:  []bool{true},
		},
		{
			name:   "candidate policy leaves ineligible neighbour alone",
			policy: CandidateEligibility,
			order:  func(seed, big *Feature) []*Feature { return []*Feature{seed, big} },
			want:   [][]string{{"seed"}, {"big"}},
			kinds:  []bool{true, false},
		},
		{
			name:   "seed policy skips neighbours already marked ineligible",
			policy: SeedEligibility,
			order:  func(seed, big *Feature) []*Feature { return []*Feature{big, seed} },
			want:   [][]string{{"big"}, {"seed"}},
			kinds:  []bool{false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &sliceSource{features: tt.order(point("seed", 0, 0), large())}
			e := NewEngine(src, Options{Distance: 20, NeighborPolicy: tt.policy})
			require.True(t, e.Refresh(1, EPSG3857))

			items := e.Items()
			if diff := cmp.Diff(tt.want, memberIDs(items)); diff != "" {
				t.Errorf("members mismatch (-want +got):\n%s", diff)
			}
			for i, it := range items {
				assert.Equal(t, tt.kinds[i], it.IsCluster(), "item %d", i)
			}
		})
	}
}

func TestEngineDisabledFeaturePassesThrough(t *testing.T) {
	off := point("off", 1, 0)
	off.NoCluster = true
	src := &sliceSource{features: []*Feature{off, point("a", 0, 0), point("b", 2, 0)}}
	e := NewEngine(src, Options{})
	require.True(t, e.Refresh(1, EPSG3857))

	items := e.Items()
	require.Len(t, items, 2)
	assert.Same(t, off, items[0].Feature)
	assert.Equal(t, []string{"a", "b"}, memberIDs(items)[1])
}

func TestEngineThresholdDissolvesSmallClusters(t *testing.T) {
	src := &sliceSource{features: []*Feature{
		point("a", 0, 0), point("b", 1, 0), point("c", 2, 0),
		point("d", 500, 0),
	}}
	e := NewEngine(src, Options{Threshold: 2})
	require.True(t, e.Refresh(1, EPSG3857))

	items := e.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].IsCluster())
	assert.Equal(t, 3, items[0].Cluster.Count())
	assert.False(t, items[1].IsCluster())
	assert.Equal(t, "d", items[1].Feature.ID)
	assert.Equal(t, uint64(2), e.builder.Next(), "dissolved sets consume no id")
}

func TestEngineLoadErrorKeepsOutput(t *testing.T) {
	src := &sliceSource{features: []*Feature{point("a", 0, 0)}}
	e := NewEngine(src, Options{})
	items, err := e.Features(context.Background(), orb.Bound{}, 1, EPSG3857)
	require.NoError(t, err)

	boom := errors.New("boom")
	src.loadErr = boom
	got, err := e.Features(context.Background(), orb.Bound{}, 2, EPSG3857)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, items, got)
	assert.Equal(t, float64(1), e.Resolution())
}

func TestEngineInvalidateAndSetOptions(t *testing.T) {
	src := &sliceSource{features: []*Feature{point("a", 0, 0)}}
	e := NewEngine(src, Options{})
	require.True(t, e.Refresh(1, EPSG3857))
	require.Len(t, e.Items(), 1)

	src.features = append(src.features, point("b", 300, 0))
	assert.False(t, e.Refresh(1, EPSG3857))
	e.Invalidate()
	require.True(t, e.Refresh(1, EPSG3857))
	assert.Len(t, e.Items(), 2)

	e.SetOptions(Options{Distance: 400, ClusterPrefix: "n"})
	assert.Equal(t, float64(400), e.Options().MinimumLinePixelSize)
	require.True(t, e.Refresh(1, EPSG3857))
	require.Len(t, e.Items(), 1)
	assert.Equal(t, "n4", e.Items()[0].Cluster.ID)
}

func TestEngineRecomputesWhenSourceChanges(t *testing.T) {
	src := &versionedSource{}
	src.add(withOriginal(square("a", 0, 0, 1), orb.Bound{Max: orb.Point{1, 1}}, EPSG4326))
	e := NewEngine(src, Options{})

	require.True(t, e.Refresh(1, EPSG3857))
	assert.Equal(t, 1, e.Cache().Len())

	src.add(point("b", 500, 0))
	require.True(t, e.Refresh(1, EPSG3857))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, memberIDs(e.Items()))

	// Emptying the source releases the cached bounds.
	src.features = nil
	src.version++
	require.True(t, e.Refresh(1, EPSG3857))
	assert.Empty(t, e.Items())
	assert.Zero(t, e.Cache().Len())
	assert.False(t, e.Refresh(1, EPSG3857))
}

func TestEngineClustersFeaturesAddedByLoad(t *testing.T) {
	ctx := context.Background()
	src := &versionedSource{}
	src.add(point("a", 0, 0))
	e := NewEngine(src, Options{})

	_, err := e.Features(ctx, orb.Bound{}, 1, EPSG3857)
	require.NoError(t, err)

	src.onLoad = func(s *versionedSource) {
		s.add(point("b", 5, 0))
		s.onLoad = nil
	}
	items, err := e.Features(ctx, orb.Bound{}, 1, EPSG3857)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, memberIDs(items))
}

func TestToGeoJSON(t *testing.T) {
	pass := point("p", 50, 50)
	pass.NoCluster = true
	pass.Properties = map[string]interface{}{"name": "Store A"}
	src := &sliceSource{features: []*Feature{point("a", 0, 0), point("b", 2, 0), pass}}
	e := NewEngine(src, Options{ClusterPrefix: "c"})
	require.True(t, e.Refresh(1, EPSG3857))

	fc := ToGeoJSON(e.Items())
	require.Len(t, fc.Features, 2)

	c := fc.Features[0]
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, orb.Point{1, 0}, c.Geometry)
	assert.Equal(t, true, c.Properties["cluster"])
	assert.Equal(t, 2, c.Properties["point_count"])
	assert.Equal(t, []string{"a", "b"}, c.Properties["members"])

	p := fc.Features[1]
	assert.Equal(t, "p", p.ID)
	assert.Equal(t, false, p.Properties["cluster"])
	assert.Equal(t, "Store A", p.Properties["name"])
	_, mutated := pass.Properties["cluster"]
	assert.False(t, mutated, "source properties must not be modified")

	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cluster_id":"c1"`)
}

func TestClusterBound(t *testing.T) {
	c := NewBuilder("").Build([]*Feature{square("a", 0, 0, 2), point("b", 5, -1)})
	assert.Equal(t, orb.Bound{Min: orb.Point{0, -1}, Max: orb.Point{5, 2}}, c.Bound())
}

func TestSummarize(t *testing.T) {
	a := point("a", 0, 0)
	a.Properties = map[string]interface{}{"category": "A"}
	b := point("b", 1, 0)
	b.Properties = map[string]interface{}{"category": "B", "value": 3.0}
	c := point("c", 100, 0)
	c.Properties = map[string]interface{}{"category": "A"}
	d := point("d", 200, 0)
	d.NoCluster = true

	src := &sliceSource{features: []*Feature{a, b, c, d}}
	e := NewEngine(src, Options{})
	require.True(t, e.Refresh(1, EPSG3857))

	s := Summarize(e.Items())
	assert.Equal(t, 4, s.TotalFeatures)
	assert.Equal(t, 2, s.NumClusters)
	assert.Equal(t, 1, s.NumPassThrough)
	assert.Equal(t, float64(1), s.MemberStats.Min)
	assert.Equal(t, float64(2), s.MemberStats.Max)
	assert.InDelta(t, 1.5, s.MemberStats.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(0.5), s.MemberStats.StdDev, 1e-9)
	assert.InDelta(t, 66.666, s.Properties["category"]["A"], 0.01)
	assert.InDelta(t, 33.333, s.Properties["category"]["B"], 0.01)
	_, hasValue := s.Properties["value"]
	assert.False(t, hasValue, "non-string properties are not distributed")
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.TotalFeatures != 0 || s.NumClusters != 0 {
		t.Errorf("Expected empty summary, got %+v", s)
	}
	if s.Properties == nil {
		t.Error("Expected non-nil properties map")
	}
}

func TestSummarizeSingleCluster(t *testing.T) {
	c := NewBuilder("").Build([]*Feature{point("a", 0, 0)})
	s := Summarize([]Item{{Cluster: c}})
	assert.Equal(t, float64(0), s.MemberStats.StdDev)
}

func TestGenerateTestFeaturesDeterministic(t *testing.T) {
	bounds := orb.Bound{Min: orb.Point{-125, 25}, Max: orb.Point{-67, 49}}
	a := GenerateTestFeatures(50, bounds, 42)
	b := GenerateTestFeatures(50, bounds, 42)
	require.Len(t, a, 50)

	withOriginals := 0
	for i := range a {
		assert.Equal(t, a[i].Geometry, b[i].Geometry)
		assert.True(t, bounds.Pad(1).Intersects(a[i].Geometry.Bound()))

		if a[i].Kind() == KindPoint {
			assert.Nil(t, a[i].Original)
			continue
		}
		require.NotNil(t, a[i].Original, a[i].ID)
		assert.Equal(t, OriginalBound{Bound: a[i].Geometry.Bound(), Projection: EPSG4326}, *a[i].Original)
		withOriginals++
	}
	assert.Positive(t, withOriginals)

	// Planar bounds are not geographic, so nothing gets an original.
	for _, f := range GenerateTestFeatures(50, orb.Bound{Max: orb.Point{1000, 1000}}, 42) {
		assert.Nil(t, f.Original, f.ID)
	}
}
