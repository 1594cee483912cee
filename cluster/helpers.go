package cluster

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Summary struct {
	TotalFeatures  int                           `json:"totalFeatures"`
	NumClusters    int                           `json:"numClusters"`
	NumPassThrough int                           `json:"numPassThrough"`
	MemberStats    MemberStats                   `json:"memberStats"`
	Properties     map[string]map[string]float64 `json:"properties"`
}

// MemberStats describes the member counts of the clusters in an output.
type MemberStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// Summarize aggregates an engine output: cluster and pass-through counts,
// cluster size statistics and, per string property, the percentage
// distribution of its values over all represented features.
func Summarize(items []Item) Summary {
	summary := Summary{
		Properties: make(map[string]map[string]float64),
	}

	var sizes []float64
	freq := make(map[string]map[string]int)
	totals := make(map[string]int)

	for _, it := range items {
		if it.Cluster != nil {
			summary.NumClusters++
			sizes = append(sizes, float64(len(it.Cluster.Members)))
		} else {
			summary.NumPassThrough++
		}

		for _, f := range it.Members() {
			summary.TotalFeatures++
			for k, v := range f.Properties {
				s, ok := v.(string)
				if !ok {
					continue
				}
				if freq[k] == nil {
					freq[k] = make(map[string]int)
				}
				freq[k][s]++
				totals[k]++
			}
		}
	}

	if len(sizes) > 0 {
		mean, std := stat.MeanStdDev(sizes, nil)
		if math.IsNaN(std) {
			// A single cluster has no sample deviation.
			std = 0
		}
		summary.MemberStats = MemberStats{
			Min:    floats.Min(sizes),
			Max:    floats.Max(sizes),
			Mean:   mean,
			StdDev: std,
		}
	}

	for k, values := range freq {
		dist := make(map[string]float64, len(values))
		for v, n := range values {
			dist[v] = float64(n) / float64(totals[k]) * 100
		}
		summary.Properties[k] = dist
	}

	return summary
}

// GenerateTestFeatures creates n random features inside bounds: mostly
// points, with some short lines and small square polygons. The seed makes
// the output reproducible. When bounds lie in longitude/latitude range,
// lines and polygons carry their bounds as an EPSG:4326 original.
func GenerateTestFeatures(n int, bounds orb.Bound, seed int64) []*Feature {
	r := rand.New(rand.NewSource(seed))
	w := bounds.Right() - bounds.Left()
	h := bounds.Top() - bounds.Bottom()
	size := (w + h) / 2000
	geographic := worldBounds.Contains(bounds.Min) && worldBounds.Contains(bounds.Max)

	features := make([]*Feature, n)
	for i := 0; i < n; i++ {
		x := bounds.Left() + r.Float64()*w
		y := bounds.Bottom() + r.Float64()*h

		var g orb.Geometry
		switch k := r.Intn(10); {
		case k < 7:
			g = orb.Point{x, y}
		case k < 9:
			g = orb.LineString{{x, y}, {x + size*r.Float64(), y + size*r.Float64()}}
		default:
			s := size * (0.5 + r.Float64())
			g = orb.Polygon{{{x, y}, {x + s, y}, {x + s, y + s}, {x, y + s}, {x, y}}}
		}

		f := &Feature{
			ID:       fmt.Sprintf("f%d", i+1),
			Geometry: g,
			Properties: map[string]interface{}{
				"category": []string{"A", "B", "C"}[r.Intn(3)],
				"value":    r.Float64() * 100,
			},
		}
		if geographic && KindOf(g) != KindPoint {
			f.Original = &OriginalBound{Bound: g.Bound(), Projection: EPSG4326}
		}
		features[i] = f
	}
	return features
}

var worldBounds = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
