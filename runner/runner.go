package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/qrafzv/openlayers/cluster"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/store"
)

var ErrLayerNotFound = errors.New("layer not found")

// GenerateBounds is the area random layers are generated in (the
// continental US).
var GenerateBounds = orb.Bound{Min: orb.Point{-125.0, 25.0}, Max: orb.Point{-67.0, 49.0}}

// DataProjection is the projection generated layers are stored in.
const DataProjection = cluster.EPSG4326

// DefaultMaxFeatures caps the size of a generated layer.
const DefaultMaxFeatures = 1_000_000

// Layer is a feature store with one engine per requested view
// projection. Engines are single-owner, so every use goes through mu.
type Layer struct {
	mu         sync.Mutex
	info       store.SnapshotInfo
	store      *store.Store
	projection cluster.Projection
	options    cluster.Options
	engines    map[cluster.Projection]*cluster.Engine
}

// Info describes the snapshot the layer was loaded from.
func (l *Layer) Info() store.SnapshotInfo {
	return l.info
}

// Items runs the engine for q and returns the output visible in the
// query extent. Geometries are returned in the query projection.
func (l *Layer) Items(ctx context.Context, q Query) ([]cluster.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	proj := q.projection()
	e, err := l.engine(proj)
	if err != nil {
		return nil, err
	}

	items, err := e.Features(ctx, q.Extent(), q.Resolution, proj)
	if err != nil {
		return nil, err
	}
	return visible(items, q.Extent()), nil
}

// engine returns the engine for proj, creating it over a reprojected
// view of the store when proj differs from the layer's projection. The
// caller holds mu.
func (l *Layer) engine(proj cluster.Projection) (*cluster.Engine, error) {
	if e, ok := l.engines[proj]; ok {
		return e, nil
	}

	var src cluster.Source = l.store
	if proj != l.projection {
		r, err := store.NewReprojected(l.store, l.projection, proj)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		src = r
	}

	e := cluster.NewEngine(src, l.options)
	l.engines[proj] = e
	return e, nil
}

// Config holds the registry settings.
type Config struct {
	DataDir       string
	MaxLayers     int
	MaxFeatures   int
	IdleEviction  time.Duration
	CleanupPeriod time.Duration
	Options       cluster.Options
}

// Registry keeps a bounded set of layers in memory, loading snapshots
// from DataDir on demand. The least recently used layer is evicted when
// MaxLayers is reached, and a background loop drops idle layers.
type Registry struct {
	cfg          Config
	layers       map[string]*Layer
	layerLock    sync.RWMutex
	lastAccessed map[string]time.Time
	now          func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	if cfg.MaxLayers < 1 {
		cfg.MaxLayers = 1
	}
	if cfg.MaxFeatures < 1 {
		cfg.MaxFeatures = DefaultMaxFeatures
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 30 * time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	r := &Registry{
		cfg:          cfg,
		layers:       make(map[string]*Layer),
		lastAccessed: make(map[string]time.Time),
		now:          time.Now,
		done:         make(chan struct{}),
	}

	// Start cleanup goroutine
	r.wg.Add(1)
	go r.cleanupInactiveLayers()

	return r
}

// Close stops the cleanup loop and drops every layer.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.layerLock.Lock()
		r.layers = make(map[string]*Layer)
		r.lastAccessed = make(map[string]time.Time)
		r.layerLock.Unlock()
	})
}

func (r *Registry) cleanupInactiveLayers() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle removes layers not accessed within IdleEviction and returns
// how many were removed.
func (r *Registry) evictIdle() int {
	r.layerLock.Lock()
	defer r.layerLock.Unlock()

	now := r.now()
	var toRemove []string
	for id, lastAccess := range r.lastAccessed {
		if now.Sub(lastAccess) > r.cfg.IdleEviction {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		monitoring.Logf("Evicting idle layer %s", id)
		delete(r.layers, id)
		delete(r.lastAccessed, id)
	}
	return len(toRemove)
}

// Loaded returns the IDs of the layers currently in memory.
func (r *Registry) Loaded() []string {
	r.layerLock.RLock()
	defer r.layerLock.RUnlock()

	ids := make([]string, 0, len(r.layers))
	for id := range r.layers {
		ids = append(ids, id)
	}
	return ids
}

// CreateLayer generates numFeatures random features, saves them as a new
// snapshot and keeps the layer loaded.
func (r *Registry) CreateLayer(ctx context.Context, numFeatures int) (store.SnapshotInfo, error) {
	if numFeatures <= 0 || numFeatures > r.cfg.MaxFeatures {
		return store.SnapshotInfo{}, fmt.Errorf("%w: numFeatures must be between 1 and %d, got %d",
			ErrInvalidQuery, r.cfg.MaxFeatures, numFeatures)
	}
	monitoring.Logf("Creating new layer with %d features", numFeatures)

	now := r.now().UTC()
	features := cluster.GenerateTestFeatures(numFeatures, GenerateBounds, now.UnixNano())
	s := store.New(nil)
	if err := s.Add(features...); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("failed to build layer: %w", err)
	}

	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	savePath, id := store.SnapshotFilename(r.cfg.DataDir, numFeatures, now)
	saved := monitoring.Stopwatch()
	if err := s.SaveCompressed(savePath); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("failed to save layer: %w", err)
	}

	fileInfo, err := os.Stat(savePath)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("failed to get file info: %w", err)
	}
	saved("Saved layer %s to %s (%s)", id, savePath, formatFileSize(fileInfo.Size()))

	info := store.SnapshotInfo{
		ID:          id,
		NumFeatures: numFeatures,
		Timestamp:   now.Truncate(time.Second),
		FileSize:    fileInfo.Size(),
		Path:        savePath,
	}

	r.layerLock.Lock()
	r.insertLocked(id, r.newLayer(info, s))
	r.layerLock.Unlock()

	return info, nil
}

func (r *Registry) newLayer(info store.SnapshotInfo, s *store.Store) *Layer {
	return &Layer{
		info:       info,
		store:      s,
		projection: DataProjection,
		options:    r.cfg.Options,
		engines:    make(map[cluster.Projection]*cluster.Engine),
	}
}

// insertLocked adds a layer, evicting the least recently used one when
// the registry is full. The caller holds layerLock.
func (r *Registry) insertLocked(id string, l *Layer) {
	if _, exists := r.layers[id]; !exists && len(r.layers) >= r.cfg.MaxLayers {
		var oldestID string
		var oldestTime time.Time
		first := true

		for lid, accessTime := range r.lastAccessed {
			if first || accessTime.Before(oldestTime) {
				oldestID = lid
				oldestTime = accessTime
				first = false
			}
		}

		if oldestID != "" {
			monitoring.Logf("Evicting least recently used layer %s", oldestID)
			delete(r.layers, oldestID)
			delete(r.lastAccessed, oldestID)
		}
	}

	r.layers[id] = l
	r.lastAccessed[id] = r.now()
}

// layer returns the loaded layer, reading its snapshot if needed.
func (r *Registry) layer(id string) (*Layer, error) {
	r.layerLock.Lock()
	defer r.layerLock.Unlock()

	// Update access time if layer is already loaded
	if l, exists := r.layers[id]; exists {
		r.lastAccessed[id] = r.now()
		return l, nil
	}

	info, err := store.FindSnapshot(r.cfg.DataDir, id)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	loaded := monitoring.Stopwatch()
	s, err := store.LoadCompressed(info.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load layer %s: %w", id, err)
	}
	loaded("Layer %s loaded from file", id)

	l := r.newLayer(info, s)
	r.insertLocked(id, l)
	return l, nil
}

// LoadLayer makes sure the layer is in memory.
func (r *Registry) LoadLayer(ctx context.Context, id string) (store.SnapshotInfo, error) {
	l, err := r.layer(id)
	if err != nil {
		return store.SnapshotInfo{}, err
	}
	return l.Info(), nil
}

// ListLayers returns the snapshots on disk, newest first.
func (r *Registry) ListLayers(ctx context.Context) ([]store.SnapshotInfo, error) {
	return store.ListSnapshots(r.cfg.DataDir)
}

// GetFeatures returns the clustered view of a layer as GeoJSON.
func (r *Registry) GetFeatures(ctx context.Context, id string, q Query) (*geojson.FeatureCollection, error) {
	items, err := r.items(ctx, id, q)
	if err != nil {
		return nil, err
	}
	return cluster.ToGeoJSON(items), nil
}

// GetSummary aggregates the clustered view of a layer.
func (r *Registry) GetSummary(ctx context.Context, id string, q Query) (cluster.Summary, error) {
	items, err := r.items(ctx, id, q)
	if err != nil {
		return cluster.Summary{}, err
	}
	return cluster.Summarize(items), nil
}

func (r *Registry) items(ctx context.Context, id string, q Query) ([]cluster.Item, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	l, err := r.layer(id)
	if err != nil {
		return nil, err
	}
	return l.Items(ctx, q)
}
