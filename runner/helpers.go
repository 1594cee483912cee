package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/qrafzv/openlayers/cluster"
)

var ErrInvalidQuery = errors.New("invalid query")

// Query is a map view: the visible extent, the resolution in map units
// per pixel and the view projection.
type Query struct {
	West       float64 `json:"west"`
	South      float64 `json:"south"`
	East       float64 `json:"east"`
	North      float64 `json:"north"`
	Resolution float64 `json:"resolution"`
	Projection string  `json:"projection,omitempty"`
}

func (q Query) Extent() orb.Bound {
	return orb.Bound{Min: orb.Point{q.West, q.South}, Max: orb.Point{q.East, q.North}}
}

func (q Query) projection() cluster.Projection {
	if q.Projection == "" {
		return cluster.EPSG4326
	}
	return cluster.Canonical(cluster.Projection(q.Projection))
}

// Validate rejects non-finite values, inverted extents and resolutions
// that are not positive.
func (q Query) Validate() error {
	for name, v := range map[string]float64{"west": q.West, "south": q.South, "east": q.East, "north": q.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidQuery, name)
		}
	}
	if q.West > q.East || q.South > q.North {
		return fmt.Errorf("%w: extent is inverted", ErrInvalidQuery)
	}
	if !(q.Resolution > 0) || math.IsInf(q.Resolution, 0) {
		return fmt.Errorf("%w: resolution must be positive, got %v", ErrInvalidQuery, q.Resolution)
	}
	return nil
}

// visible keeps clusters whose position and features whose bounds fall
// in extent, preserving order.
func visible(items []cluster.Item, extent orb.Bound) []cluster.Item {
	out := make([]cluster.Item, 0, len(items))
	for _, it := range items {
		if it.Cluster != nil {
			if extent.Contains(it.Cluster.Position) {
				out = append(out, it)
			}
			continue
		}
		if it.Feature.Geometry.Bound().Intersects(extent) {
			out = append(out, it)
		}
	}
	return out
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// toStruct converts a JSON-encodable value into a protobuf Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// field returns the named field of s as a Struct, or an empty one.
func field(s *structpb.Struct, name string) *structpb.Struct {
	if v, ok := s.GetFields()[name]; ok && v.GetStructValue() != nil {
		return v.GetStructValue()
	}
	return &structpb.Struct{}
}
