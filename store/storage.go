package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/qrafzv/openlayers/cluster"
)

var (
	ErrInvalidSnapshot  = errors.New("store: invalid snapshot")
	ErrSnapshotNotFound = errors.New("store: snapshot not found")
)

const (
	snapshotMagic   = "OLCS"
	snapshotVersion = 1
	headerSize      = 12

	snapshotExt        = ".zst"
	snapshotTimeLayout = "20060102-150405"
)

// Reserved properties carrying Feature fields that GeoJSON has no slot for.
const (
	propOriginalBBox       = "_original_bbox"
	propOriginalProjection = "_original_projection"
	propNoCluster          = "_no_cluster"
)

// SnapshotInfo describes a snapshot file on disk.
type SnapshotInfo struct {
	ID          string    `json:"id"`
	NumFeatures int       `json:"numFeatures"`
	Timestamp   time.Time `json:"timestamp"`
	FileSize    int64     `json:"fileSize"`
	Path        string    `json:"-"`
}

// SaveCompressed writes every feature to filename. The file starts with a
// fixed header (magic, format version, feature count) followed by a zstd
// frame holding a GeoJSON feature collection.
func (s *Store) SaveCompressed(filename string) error {
	features := s.Features()

	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(encodeFeature(f))
	}
	payload, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)

	header := make([]byte, headerSize)
	copy(header, snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(len(features)))
	if _, err := bufWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write features: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}

	return file.Sync()
}

// LoadCompressed reads a snapshot written by SaveCompressed into a new
// store backed by loader.
func LoadCompressed(filename string, loader Loader) (*Store, error) {
	var features []*cluster.Feature

	err := withMappedFile(filename, func(data mmap.MMap) error {
		r := NewMMapReader(data)

		if magic := string(r.ReadBytes(4)); magic != snapshotMagic {
			return fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, magic)
		}
		if v := r.ReadUint32(); v != snapshotVersion {
			return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
		}
		count := int(r.ReadUint32())

		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()

		payload, err := dec.DecodeAll(r.ReadBytes(r.Remaining()), nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}

		fc, err := geojson.UnmarshalFeatureCollection(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		if len(fc.Features) != count {
			return fmt.Errorf("%w: header says %d features, found %d", ErrInvalidSnapshot, count, len(fc.Features))
		}

		features = make([]*cluster.Feature, 0, count)
		for _, gf := range fc.Features {
			features = append(features, decodeFeature(gf))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := New(loader)
	if err := s.Add(features...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s, nil
}

func encodeFeature(f *cluster.Feature) *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	if f.ID != "" {
		gf.ID = f.ID
	}
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	if f.Original != nil {
		b := f.Original.Bound
		gf.Properties[propOriginalBBox] = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
		gf.Properties[propOriginalProjection] = string(f.Original.Projection)
	}
	if f.NoCluster {
		gf.Properties[propNoCluster] = true
	}
	return gf
}

func decodeFeature(gf *geojson.Feature) *cluster.Feature {
	f := &cluster.Feature{Geometry: gf.Geometry}
	if id, ok := gf.ID.(string); ok {
		f.ID = id
	}

	var bbox []float64
	var proj string
	for k, v := range gf.Properties {
		switch k {
		case propOriginalBBox:
			bbox = toFloats(v)
		case propOriginalProjection:
			proj, _ = v.(string)
		case propNoCluster:
			f.NoCluster, _ = v.(bool)
		default:
			if f.Properties == nil {
				f.Properties = make(map[string]interface{}, len(gf.Properties))
			}
			f.Properties[k] = v
		}
	}
	if len(bbox) == 4 && proj != "" {
		f.Original = &cluster.OriginalBound{
			Bound:      orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}},
			Projection: cluster.Projection(proj),
		}
	}
	return f
}

func toFloats(v interface{}) []float64 {
	switch vs := v.(type) {
	case []float64:
		return vs
	case []interface{}:
		out := make([]float64, 0, len(vs))
		for _, x := range vs {
			n, ok := x.(float64)
			if !ok {
				return nil
			}
			out = append(out, n)
		}
		return out
	}
	return nil
}

// SnapshotFilename returns a new snapshot path in dir and its ID.
// Format: layer-{numFeatures}f-{timestamp}-{id}.zst
func SnapshotFilename(dir string, numFeatures int, now time.Time) (path, id string) {
	id = uuid.New().String()[:8]
	name := fmt.Sprintf("layer-%df-%s-%s%s", numFeatures, now.Format(snapshotTimeLayout), id, snapshotExt)
	return filepath.Join(dir, name), id
}

// ParseSnapshotName extracts the ID, feature count and timestamp from a
// snapshot file name.
func ParseSnapshotName(name string) (id string, numFeatures int, ts time.Time, err error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, snapshotExt) {
		return "", 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSnapshot, base)
	}
	parts := strings.Split(strings.TrimSuffix(base, snapshotExt), "-")
	if len(parts) != 5 || parts[0] != "layer" || !strings.HasSuffix(parts[1], "f") {
		return "", 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSnapshot, base)
	}

	numFeatures, err = strconv.Atoi(strings.TrimSuffix(parts[1], "f"))
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSnapshot, base)
	}
	ts, err = time.Parse(snapshotTimeLayout, parts[2]+"-"+parts[3])
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSnapshot, base)
	}
	if parts[4] == "" {
		return "", 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidSnapshot, base)
	}
	return parts[4], numFeatures, ts, nil
}

// ListSnapshots returns the snapshots in dir, newest first. A missing
// directory yields an empty list.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []SnapshotInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	infos := make([]SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, n, ts, err := ParseSnapshotName(e.Name())
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:          id,
			NumFeatures: n,
			Timestamp:   ts,
			FileSize:    fi.Size(),
			Path:        filepath.Join(dir, e.Name()),
		})
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	return infos, nil
}

// FindSnapshot returns the snapshot in dir with the given ID.
func FindSnapshot(dir, id string) (SnapshotInfo, error) {
	infos, err := ListSnapshots(dir)
	if err != nil {
		return SnapshotInfo{}, err
	}
	for _, info := range infos {
		if info.ID == id {
			return info, nil
		}
	}
	return SnapshotInfo{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
}
