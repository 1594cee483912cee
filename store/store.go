// Package store holds source features for the clustering engine: an
// insertion-ordered feature list indexed by an R-tree, optional lazy
// loading, and compressed snapshots on disk.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"

	"github.com/qrafzv/openlayers/cluster"
)

var ErrNilGeometry = errors.New("store: feature has no geometry")

// degenerateTol widens zero-width bounds so points and axis-parallel
// lines can be indexed.
const degenerateTol = 1e-9

// Loader fetches the features needed to display a view.
type Loader interface {
	Load(ctx context.Context, extent orb.Bound, resolution float64, projection cluster.Projection) ([]*cluster.Feature, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, extent orb.Bound, resolution float64, projection cluster.Projection) ([]*cluster.Feature, error)

func (f LoaderFunc) Load(ctx context.Context, extent orb.Bound, resolution float64, projection cluster.Projection) ([]*cluster.Feature, error) {
	return f(ctx, extent, resolution, projection)
}

type entry struct {
	feature *cluster.Feature
	seq     uint64
	rect    rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect {
	return e.rect
}

// Store is an in-memory feature store. Features keeps insertion order,
// which the engine relies on for reproducible seeds.
type Store struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[*cluster.Feature]*entry
	byID    map[string]*cluster.Feature
	order   []*cluster.Feature
	nextSeq uint64
	version uint64
	loader  Loader
}

var _ cluster.Source = (*Store)(nil)

// New creates an empty store. loader may be nil.
func New(loader Loader) *Store {
	return &Store{
		tree:    rtreego.NewTree(2, 25, 50),
		entries: make(map[*cluster.Feature]*entry),
		byID:    make(map[string]*cluster.Feature),
		loader:  loader,
	}
}

// Add inserts features. Features whose non-empty ID is already present
// are skipped, so loaders may return overlapping batches. A batch holding
// a feature without geometry is rejected as a whole.
func (s *Store) Add(features ...*cluster.Feature) error {
	for i, f := range features {
		if f == nil || f.Geometry == nil {
			return fmt.Errorf("%w (batch index %d)", ErrNilGeometry, i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range features {
		if _, ok := s.entries[f]; ok {
			continue
		}
		if f.ID != "" {
			if _, ok := s.byID[f.ID]; ok {
				continue
			}
			s.byID[f.ID] = f
		}

		e := &entry{feature: f, seq: s.nextSeq, rect: toRect(f.Geometry.Bound())}
		s.nextSeq++
		s.entries[f] = e
		s.order = append(s.order, f)
		s.tree.Insert(e)
		s.version++
	}
	return nil
}

// Remove deletes f and reports whether it was present.
func (s *Store) Remove(f *cluster.Feature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[f]
	if !ok {
		return false
	}
	s.tree.Delete(e)
	delete(s.entries, f)
	if f.ID != "" && s.byID[f.ID] == f {
		delete(s.byID, f.ID)
	}
	for i, o := range s.order {
		if o == f {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
	return true
}

// Clear removes every feature.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree = rtreego.NewTree(2, 25, 50)
	s.entries = make(map[*cluster.Feature]*entry)
	s.byID = make(map[string]*cluster.Feature)
	s.order = nil
	s.version++
}

// Get returns the feature with the given ID.
func (s *Store) Get(id string) (*cluster.Feature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byID[id]
	return f, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version changes whenever the feature set changes.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Features returns a snapshot of all features in insertion order.
func (s *Store) Features() []*cluster.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*cluster.Feature, len(s.order))
	copy(out, s.order)
	return out
}

// FeaturesInExtent returns the features whose bounds intersect extent,
// in insertion order.
func (s *Store) FeaturesInExtent(extent orb.Bound) []*cluster.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := s.tree.SearchIntersect(toRect(extent))
	entries := make([]*entry, len(hits))
	for i, h := range hits {
		entries[i] = h.(*entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	out := make([]*cluster.Feature, len(entries))
	for i, e := range entries {
		out[i] = e.feature
	}
	return out
}

// Bound returns the extent of all features.
func (s *Store) Bound() orb.Bound {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return orb.Bound{}
	}
	b := s.order[0].Geometry.Bound()
	for _, f := range s.order[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// Load fetches features for the view through the loader, if any.
func (s *Store) Load(ctx context.Context, extent orb.Bound, resolution float64, projection cluster.Projection) error {
	if s.loader == nil {
		return nil
	}
	features, err := s.loader.Load(ctx, extent, resolution, projection)
	if err != nil {
		return err
	}
	return s.Add(features...)
}

func toRect(b orb.Bound) rtreego.Rect {
	lo := rtreego.Point{b.Min[0], b.Min[1]}
	hi := rtreego.Point{b.Max[0], b.Max[1]}
	for i := range lo {
		if hi[i]-lo[i] < degenerateTol {
			lo[i] -= degenerateTol
			hi[i] += degenerateTol
		}
	}
	r, err := rtreego.NewRectFromPoints(lo, hi)
	if err != nil {
		// Only a dimension mismatch fails, which cannot happen here.
		panic(err)
	}
	return r
}
