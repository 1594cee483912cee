// Package api exposes layer operations over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"

	"github.com/qrafzv/openlayers/cluster"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/runner"
	"github.com/qrafzv/openlayers/store"
)

// Backend runs layer operations. Both runner.Registry (in process) and
// runner.Client (over gRPC) implement it.
type Backend interface {
	ListLayers(ctx context.Context) ([]store.SnapshotInfo, error)
	CreateLayer(ctx context.Context, numFeatures int) (store.SnapshotInfo, error)
	LoadLayer(ctx context.Context, id string) (store.SnapshotInfo, error)
	GetFeatures(ctx context.Context, id string, q runner.Query) (*geojson.FeatureCollection, error)
	GetSummary(ctx context.Context, id string, q runner.Query) (cluster.Summary, error)
}

var (
	_ Backend = (*runner.Registry)(nil)
	_ Backend = (*runner.Client)(nil)
)

type Server struct {
	backend Backend

	mu             sync.RWMutex
	defaultLayerID string // the most recently created or loaded layer
}

func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// DefaultLayer returns the layer used by routes without an id.
func (s *Server) DefaultLayer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultLayerID
}

func (s *Server) SetDefaultLayer(id string) {
	s.mu.Lock()
	s.defaultLayerID = id
	s.mu.Unlock()
}

// PickDefaultLayer selects the newest snapshot, if any, as the default.
func (s *Server) PickDefaultLayer(ctx context.Context) error {
	layers, err := s.backend.ListLayers(ctx)
	if err != nil {
		return err
	}
	if len(layers) > 0 {
		s.SetDefaultLayer(layers[0].ID)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Router builds the gin engine serving the layer API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.GET("/api/layers", s.listLayers)
	r.POST("/api/layers", s.createLayer)
	r.POST("/api/layers/:id/load", s.loadLayer)
	r.GET("/api/layers/:id/features", func(c *gin.Context) {
		s.getFeatures(c, c.Param("id"))
	})
	r.GET("/api/layers/:id/summary", func(c *gin.Context) {
		s.getSummary(c, c.Param("id"))
	})

	// Routes without an id use the default layer.
	r.GET("/api/features", func(c *gin.Context) {
		if id, ok := s.requireDefault(c); ok {
			s.getFeatures(c, id)
		}
	})
	r.GET("/api/summary", func(c *gin.Context) {
		if id, ok := s.requireDefault(c); ok {
			s.getSummary(c, id)
		}
	})

	return r
}

func (s *Server) requireDefault(c *gin.Context) (string, bool) {
	id := s.DefaultLayer()
	if id == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No layers available"})
		return "", false
	}
	return id, true
}

func (s *Server) listLayers(c *gin.Context) {
	layers, err := s.backend.ListLayers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, layers)
}

func (s *Server) createLayer(c *gin.Context) {
	var req struct {
		NumFeatures int `json:"numFeatures"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	info, err := s.backend.CreateLayer(c.Request.Context(), req.NumFeatures)
	if err != nil {
		writeError(c, err)
		return
	}
	s.SetDefaultLayer(info.ID)

	c.JSON(http.StatusOK, info)
}

func (s *Server) loadLayer(c *gin.Context) {
	id := c.Param("id")
	info, err := s.backend.LoadLayer(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	s.SetDefaultLayer(id)

	c.JSON(http.StatusOK, gin.H{
		"message": "Layer loaded successfully",
		"layer":   info,
	})
}

func (s *Server) getFeatures(c *gin.Context, id string) {
	q, err := queryFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fc, err := s.backend.GetFeatures(c.Request.Context(), id, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

func (s *Server) getSummary(c *gin.Context, id string) {
	q, err := queryFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.backend.GetSummary(c.Request.Context(), id, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryFromRequest(c *gin.Context) (runner.Query, error) {
	var q runner.Query
	fields := []struct {
		name string
		dst  *float64
	}{
		{"west", &q.West},
		{"south", &q.South},
		{"east", &q.East},
		{"north", &q.North},
		{"resolution", &q.Resolution},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(c.Query(f.name), 64)
		if err != nil {
			return runner.Query{}, fmt.Errorf("invalid %s parameter", f.name)
		}
		*f.dst = v
	}
	q.Projection = c.Query("projection")

	if err := q.Validate(); err != nil {
		return runner.Query{}, err
	}
	return q, nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runner.ErrLayerNotFound), errors.Is(err, store.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrResponseTooLarge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		monitoring.Logf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
